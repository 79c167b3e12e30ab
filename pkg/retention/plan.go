package retention

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/archive"
	"github.com/bizflycloud/feather/pkg/schedule"
)

// CreateRequest is an archive that is due.
type CreateRequest struct {
	Target string `json:"target"`
	Path   string `json:"path"`
	Level  string `json:"level"`
	Name   string `json:"name"`
}

// DeleteRequest is an archive the retention policy no longer requires.
type DeleteRequest struct {
	Target string        `json:"target"`
	Level  string        `json:"level"`
	Name   string        `json:"name"`
	Age    time.Duration `json:"age"`
}

// PlanBackups returns the archives due at now given the existing archive
// names. It fails without planning anything if any target's schedule chain
// cannot be resolved.
func (e *Engine) PlanBackups(names []string, now time.Time) ([]CreateRequest, error) {
	chains := make([][]string, len(e.targets))
	for i, t := range e.targets {
		chain, err := e.catalog.Resolve(t.Schedule)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}

	archives := e.decode(names)
	now = now.UTC()
	stamp := archive.Truncate(now)
	clock := schedule.Clock(now)

	var reqs []CreateRequest
	for i, t := range e.targets {
		for _, level := range chains[i] {
			logger := e.logger.With(zap.String("target", t.Name), zap.String("level", level))
			logger.Debug("Processing")

			period, err := e.catalog.Period(level)
			if err != nil {
				return nil, err
			}
			if fresh(archives, t.Name, level, period, now) {
				logger.Debug("Archive exists within period")
				continue
			}
			ok, err := e.catalog.IsWithinWindow(level, clock)
			if err != nil {
				return nil, err
			}
			if !ok {
				logger.Debug("Skipping due to time of day", zap.String("now", clock))
				continue
			}
			reqs = append(reqs, CreateRequest{
				Target: t.Name,
				Path:   t.Path,
				Level:  level,
				Name:   archive.Encode(t.Name, stamp, level),
			})
		}
	}
	return reqs, nil
}

// fresh reports whether an archive of target at level is younger than period.
func fresh(archives []archive.Archive, target, level string, period time.Duration, now time.Time) bool {
	for _, a := range archives {
		if a.Target == target && a.Level == level && a.Age(now) < period {
			return true
		}
	}
	return false
}

// PlanPrune returns the archives to delete at now, in archive name order.
//
// Archives are counted per level name across all targets. An archive is
// deleted only when it is older than its level's period and more than
// always_keep archives of the level would remain counted.
func (e *Engine) PlanPrune(names []string, now time.Time) []DeleteRequest {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	archives := e.decode(sorted)
	now = now.UTC()

	pooled := make(map[string]int)
	for _, a := range archives {
		pooled[a.Level]++
	}

	var reqs []DeleteRequest
	for _, a := range archives {
		period, err := e.catalog.Period(a.Level)
		if err != nil {
			e.logger.Warn("Keeping archive of unknown level", zap.String("archive", a.Name), zap.String("level", a.Level))
			continue
		}
		keep, err := e.catalog.AlwaysKeep(a.Level)
		if err != nil {
			continue
		}
		age := a.Age(now)
		if age <= period || pooled[a.Level] <= keep {
			continue
		}
		pooled[a.Level]--
		reqs = append(reqs, DeleteRequest{
			Target: a.Target,
			Level:  a.Level,
			Name:   a.Name,
			Age:    age,
		})
	}
	return reqs
}
