package retention

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/archive"
	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/repository"
	"github.com/bizflycloud/feather/pkg/schedule"
)

// Target is a path backed up on a schedule level.
type Target struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Schedule string `json:"schedule"`
}

// Engine decides which archives to create and delete and carries those
// decisions out against a repository, one call at a time.
type Engine struct {
	catalog    *schedule.Catalog
	targets    []Target
	repo       repository.Repository
	maxRuntime time.Duration
	now        func() time.Time
	observers  []Observer

	logger *zap.Logger
}

// Option configures Engine.
type Option func(e *Engine) error

// WithLogger sets the logger for Engine.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("nil clock")
		}
		e.now = now
		return nil
	}
}

// WithMaxRuntime bounds a full Run. Zero means unbounded.
func WithMaxRuntime(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return errors.New("negative max runtime")
		}
		e.maxRuntime = d
		return nil
	}
}

// WithObserver registers an observer of engine events.
func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		if o != nil {
			e.observers = append(e.observers, o)
		}
		return nil
	}
}

// New creates an Engine for targets on catalog.
func New(catalog *schedule.Catalog, targets []Target, repo repository.Repository, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("nil schedule catalog")
	}
	if repo == nil {
		return nil, errors.New("nil repository")
	}
	e := &Engine{
		catalog: catalog,
		targets: append([]Target(nil), targets...),
		repo:    repo,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Targets returns the configured targets.
func (e *Engine) Targets() []Target {
	return append([]Target(nil), e.targets...)
}

// Catalog returns the schedule catalog.
func (e *Engine) Catalog() *schedule.Catalog {
	return e.catalog
}

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// Run runs RunBackups followed by PruneBackups under the max runtime
// deadline. A listing failure in RunBackups does not prevent pruning.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if e.maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.maxRuntime)
		defer cancel()
	}
	start := time.Now()
	report := &Report{StartedAt: e.Now()}

	created, err := e.RunBackups(ctx)
	report.merge(created)
	if err != nil && errdefs.KindOf(err).Fatal() {
		return e.finish(report, start, err)
	}
	if err != nil {
		e.logger.Error("Skipping backups, could not list archives", zap.Error(err))
	}

	pruned, err := e.PruneBackups(ctx)
	report.merge(pruned)
	if err != nil && !errdefs.KindOf(err).Fatal() {
		e.logger.Error("Skipping prune, could not list archives", zap.Error(err))
		err = nil
	}
	return e.finish(report, start, err)
}

func (e *Engine) finish(r *Report, start time.Time, err error) (*Report, error) {
	r.FinishedAt = e.Now()
	if err != nil {
		r.Error = err.Error()
	}
	for _, o := range e.observers {
		o.RunCompleted(r, err, time.Since(start))
	}
	return r, err
}

// RunBackups lists archives and creates every archive that is due.
func (e *Engine) RunBackups(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: e.Now()}
	names, err := e.list(ctx)
	if err != nil {
		return report, err
	}
	reqs, err := e.PlanBackups(names, e.Now())
	if err != nil {
		return report, err
	}
	for _, req := range reqs {
		if err := e.checkDeadline(ctx, "create"); err != nil {
			return report, err
		}
		// The name carries the time the archive is actually taken.
		name := archive.Encode(req.Target, archive.Truncate(e.Now()), req.Level)
		e.logger.Info("Taking backup", zap.String("archive", name), zap.String("path", req.Path))
		if err := e.repo.Create(ctx, req.Path, name); err != nil {
			if dlErr := e.checkDeadline(ctx, "create"); dlErr != nil {
				return report, dlErr
			}
			e.commandFailed(report, "create", name, err)
			continue
		}
		report.Created = append(report.Created, name)
		for _, o := range e.observers {
			o.ArchiveCreated(req.Target, req.Level, name)
		}
	}
	return report, nil
}

// PruneBackups re-lists archives and deletes the ones the retention policy
// no longer requires.
func (e *Engine) PruneBackups(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: e.Now()}
	names, err := e.list(ctx)
	if err != nil {
		return report, err
	}
	for _, req := range e.PlanPrune(names, e.Now()) {
		if err := e.checkDeadline(ctx, "delete"); err != nil {
			return report, err
		}
		e.logger.Info("Deleting archive", zap.String("archive", req.Name), zap.Duration("age", req.Age))
		if err := e.repo.Delete(ctx, req.Name); err != nil {
			if dlErr := e.checkDeadline(ctx, "delete"); dlErr != nil {
				return report, dlErr
			}
			e.commandFailed(report, "delete", req.Name, err)
			continue
		}
		report.Deleted = append(report.Deleted, req.Name)
		for _, o := range e.observers {
			o.ArchiveDeleted(req.Target, req.Level, req.Name)
		}
	}
	return report, nil
}

// List returns the current archive names.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.list(ctx)
}

func (e *Engine) list(ctx context.Context) ([]string, error) {
	if err := e.checkDeadline(ctx, "list"); err != nil {
		return nil, err
	}
	e.logger.Debug("Listing archives")
	names, err := e.repo.List(ctx)
	if err != nil {
		if dlErr := e.checkDeadline(ctx, "list"); dlErr != nil {
			return nil, dlErr
		}
		for _, o := range e.observers {
			o.CommandFailed("list", "", err)
		}
		return nil, err
	}
	return names, nil
}

// checkDeadline converts an expired context into a fatal error.
func (e *Engine) checkDeadline(ctx context.Context, op string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errdefs.MaxRuntimeExceededError{Limit: e.maxRuntime.String(), Op: op}
	}
	return err
}

func (e *Engine) commandFailed(r *Report, op, name string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.String("archive", name)}
	var cmdErr *errdefs.ExternalCommandError
	if errors.As(err, &cmdErr) {
		fields = append(fields, zap.Int("exit_status", cmdErr.ExitStatus), zap.String("stderr", cmdErr.Stderr))
	}
	e.logger.Warn("Archive command failed", append(fields, zap.Error(err))...)
	r.Failures = append(r.Failures, Failure{Op: op, Archive: name, Error: err.Error()})
	for _, o := range e.observers {
		o.CommandFailed(op, name, err)
	}
}

func (e *Engine) decode(names []string) []archive.Archive {
	archives, errs := archive.DecodeAll(names)
	for _, err := range errs {
		var parseErr *errdefs.ArchiveParseError
		if errors.As(err, &parseErr) {
			e.logger.Warn("Archive label format unrecognized", zap.String("archive", parseErr.Identifier), zap.String("reason", parseErr.Reason))
			for _, o := range e.observers {
				o.ArchiveUnparsed(parseErr.Identifier)
			}
		}
	}
	return archives
}
