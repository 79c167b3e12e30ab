package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bizflycloud/feather/pkg/errdefs"
)

// ClockLayout is the time-of-day format used by admission windows.
const ClockLayout = "1504"

// Level is a named retention tier.
type Level struct {
	Name       string
	Period     time.Duration
	AlwaysKeep int
	Implies    string
	// Before and After are inclusive "HHMM" bounds in UTC; empty means unbounded.
	Before string
	After  string
}

// Catalog is an ordered, immutable set of levels.
type Catalog struct {
	order  []string
	levels map[string]Level
}

// New validates levels and builds a Catalog. Implies cycles are not rejected
// here; Resolve reports them.
func New(levels []Level) (*Catalog, error) {
	if len(levels) == 0 {
		return nil, &errdefs.ConfigError{Section: "schedule", Msg: "no levels defined"}
	}
	c := &Catalog{
		order:  make([]string, 0, len(levels)),
		levels: make(map[string]Level, len(levels)),
	}
	for _, l := range levels {
		if err := validateLevel(l); err != nil {
			return nil, err
		}
		if _, ok := c.levels[l.Name]; ok {
			return nil, &errdefs.ConfigError{Section: "schedule", Name: l.Name, Msg: "level defined more than once"}
		}
		c.order = append(c.order, l.Name)
		c.levels[l.Name] = l
	}
	for _, name := range c.order {
		l := c.levels[name]
		if l.Implies == "" {
			continue
		}
		if _, ok := c.levels[l.Implies]; !ok {
			return nil, &errdefs.ConfigError{Section: "schedule", Name: name, Msg: fmt.Sprintf("implies undefined level %q", l.Implies)}
		}
	}
	return c, nil
}

func validateLevel(l Level) error {
	cfgErr := func(msg string) error {
		return &errdefs.ConfigError{Section: "schedule", Name: l.Name, Msg: msg}
	}
	if l.Name == "" {
		return &errdefs.ConfigError{Section: "schedule", Msg: "level without a name"}
	}
	if !isWord(l.Name) {
		return cfgErr("level names may only contain letters, digits and underscores")
	}
	if l.Period <= 0 {
		return cfgErr("'period' must be a positive number of seconds")
	}
	if l.AlwaysKeep < 0 {
		return cfgErr("'always_keep' must not be negative")
	}
	if l.Before != "" && !ValidClock(l.Before) {
		return cfgErr(fmt.Sprintf("'before' %q is not a HHMM time", l.Before))
	}
	if l.After != "" && !ValidClock(l.After) {
		return cfgErr(fmt.Sprintf("'after' %q is not a HHMM time", l.After))
	}
	return nil
}

// ValidClock reports whether s is a four digit 24h "HHMM" value.
func ValidClock(s string) bool {
	if len(s) != 4 {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return false
	}
	return n/100 < 24 && n%100 < 60
}

func isWord(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Names returns level names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Has reports whether name is a defined level.
func (c *Catalog) Has(name string) bool {
	_, ok := c.levels[name]
	return ok
}

// Level returns the definition of name.
func (c *Catalog) Level(name string) (Level, error) {
	l, ok := c.levels[name]
	if !ok {
		return Level{}, &errdefs.ConfigError{Section: "schedule", Name: name, Msg: "unknown level"}
	}
	return l, nil
}

// Resolve returns name followed by the levels it implies, transitively.
func (c *Catalog) Resolve(name string) ([]string, error) {
	seen := make(map[string]struct{})
	var chain []string
	for cur := name; cur != ""; {
		if _, ok := seen[cur]; ok {
			return nil, &errdefs.ScheduleCycleError{Start: name, Repeated: cur, Chain: chain}
		}
		l, err := c.Level(cur)
		if err != nil {
			return nil, err
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)
		cur = l.Implies
	}
	return chain, nil
}

// IsWithinWindow reports whether the clock value hhmm falls inside the
// level's [after, before] window.
func (c *Catalog) IsWithinWindow(name, hhmm string) (bool, error) {
	l, err := c.Level(name)
	if err != nil {
		return false, err
	}
	if l.After != "" && hhmm < l.After {
		return false, nil
	}
	if l.Before != "" && hhmm > l.Before {
		return false, nil
	}
	return true, nil
}

// Period returns the freshness period of name.
func (c *Catalog) Period(name string) (time.Duration, error) {
	l, err := c.Level(name)
	if err != nil {
		return 0, err
	}
	return l.Period, nil
}

// AlwaysKeep returns the minimum number of archives of name kept by pruning.
func (c *Catalog) AlwaysKeep(name string) (int, error) {
	l, err := c.Level(name)
	if err != nil {
		return 0, err
	}
	return l.AlwaysKeep, nil
}

// Clock formats t as the UTC "HHMM" value windows are compared against.
func Clock(t time.Time) string {
	return t.UTC().Format(ClockLayout)
}
