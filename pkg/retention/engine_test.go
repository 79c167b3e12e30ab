package retention

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/feather/pkg/archive"
	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/schedule"
	"github.com/bizflycloud/feather/pkg/testlib"
)

var now = time.Date(2021, 6, 15, 12, 0, 30, 0, time.UTC)

func fixedClock() time.Time { return now }

func demoCatalog(t *testing.T, extra ...schedule.Level) *schedule.Catalog {
	t.Helper()
	levels := append([]schedule.Level{
		{Name: "DAILY", Period: 24 * time.Hour, AlwaysKeep: 7, Implies: "HOURLY"},
		{Name: "HOURLY", Period: time.Hour, AlwaysKeep: 24},
	}, extra...)
	c, err := schedule.New(levels)
	require.NoError(t, err)
	return c
}

func newEngine(t *testing.T, c *schedule.Catalog, targets []Target, repo *testlib.Repository, opts ...Option) *Engine {
	t.Helper()
	e, err := New(c, targets, repo, append([]Option{WithClock(fixedClock)}, opts...)...)
	require.NoError(t, err)
	return e
}

func ago(target string, d time.Duration, level string) string {
	return archive.Encode(target, now.Add(-d), level)
}

func TestNewValidation(t *testing.T) {
	c := demoCatalog(t)
	_, err := New(nil, nil, testlib.NewRepository())
	assert.Error(t, err)
	_, err = New(c, nil, nil)
	assert.Error(t, err)
	_, err = New(c, nil, testlib.NewRepository(), WithClock(nil))
	assert.Error(t, err)
	_, err = New(c, nil, testlib.NewRepository(), WithMaxRuntime(-time.Second))
	assert.Error(t, err)
}

func TestRunBackupsEmptyListing(t *testing.T) {
	repo := testlib.NewRepository()
	e := newEngine(t, demoCatalog(t), []Target{{Name: "demo", Path: "/srv/demo", Schedule: "DAILY"}}, repo)

	report, err := e.RunBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []testlib.Call{
		{Op: "create", Path: "/srv/demo", Name: "demo-202106151200UTC-DAILY"},
		{Op: "create", Path: "/srv/demo", Name: "demo-202106151200UTC-HOURLY"},
	}, repo.Calls())
	assert.Equal(t, []string{"demo-202106151200UTC-DAILY", "demo-202106151200UTC-HOURLY"}, report.Created)
	assert.Empty(t, report.Failures)
}

func TestRunBackupsSkipsFreshLevel(t *testing.T) {
	repo := testlib.NewRepository(ago("demo", 10*time.Minute, "HOURLY"))
	e := newEngine(t, demoCatalog(t), []Target{{Name: "demo", Path: "/srv/demo", Schedule: "DAILY"}}, repo)

	_, err := e.RunBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"demo-202106151200UTC-DAILY"}, repo.Ops("create"))
}

func TestPlanBackupsFreshness(t *testing.T) {
	targets := []Target{
		{Name: "demo", Path: "/srv/demo", Schedule: "DAILY"},
		{Name: "demo-two", Path: "/srv/demo2", Schedule: "HOURLY"},
	}
	tests := []struct {
		name     string
		existing []string
		want     []string
	}{
		{
			name: "stale hourly",
			existing: []string{
				ago("demo", 2*time.Hour, "DAILY"),
				ago("demo", 61*time.Minute, "HOURLY"),
				ago("demo-two", 5*time.Minute, "HOURLY"),
			},
			want: []string{"demo-202106151200UTC-HOURLY"},
		},
		{
			name: "just past period is stale",
			existing: []string{
				archive.Encode("demo", now.Add(-24*time.Hour).Add(-30*time.Second), "DAILY"),
				ago("demo", time.Minute, "HOURLY"),
				ago("demo-two", time.Minute, "HOURLY"),
			},
			want: []string{"demo-202106151200UTC-DAILY"},
		},
		{
			name: "other target does not satisfy",
			existing: []string{
				ago("demo-two", time.Minute, "DAILY"),
				ago("demo-two", time.Minute, "HOURLY"),
			},
			want: []string{"demo-202106151200UTC-DAILY", "demo-202106151200UTC-HOURLY"},
		},
		{
			name: "unparseable entries are ignored",
			existing: []string{
				"garbage",
				"demo-2021UTC-DAILY",
				ago("demo", time.Minute, "DAILY"),
				ago("demo", time.Minute, "HOURLY"),
			},
			want: []string{"demo-two-202106151200UTC-HOURLY"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, demoCatalog(t), targets, testlib.NewRepository())
			reqs, err := e.PlanBackups(tc.existing, now)
			require.NoError(t, err)
			var got []string
			for _, r := range reqs {
				got = append(got, r.Name)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRunBackupsTimeWindow(t *testing.T) {
	c := demoCatalog(t,
		schedule.Level{Name: "WEEKLY", Period: 7 * 24 * time.Hour, AlwaysKeep: 4, Implies: "NIGHTLY", After: "1201"},
		schedule.Level{Name: "NIGHTLY", Period: 24 * time.Hour, AlwaysKeep: 4, Implies: "DAILY", Before: "1200"},
	)
	repo := testlib.NewRepository()
	e := newEngine(t, c, []Target{{Name: "db", Path: "/var/db", Schedule: "WEEKLY"}}, repo)

	_, err := e.RunBackups(context.Background())
	require.NoError(t, err)
	// WEEKLY is deferred; levels it implies are still evaluated.
	assert.Equal(t, []string{
		"db-202106151200UTC-NIGHTLY",
		"db-202106151200UTC-DAILY",
		"db-202106151200UTC-HOURLY",
	}, repo.Ops("create"))
}

func TestRunBackupsCycleAbortsBeforeAnyWork(t *testing.T) {
	c, err := schedule.New([]schedule.Level{
		{Name: "HOURLY", Period: time.Hour},
		{Name: "A", Period: time.Hour, Implies: "B"},
		{Name: "B", Period: time.Hour, Implies: "A"},
	})
	require.NoError(t, err)
	repo := testlib.NewRepository()
	e := newEngine(t, c, []Target{
		{Name: "ok", Path: "/ok", Schedule: "HOURLY"},
		{Name: "loop", Path: "/loop", Schedule: "A"},
	}, repo)

	_, err = e.RunBackups(context.Background())
	var cycleErr *errdefs.ScheduleCycleError
	require.True(t, errors.As(err, &cycleErr), "got %v", err)
	assert.Equal(t, "A", cycleErr.Repeated)
	assert.Empty(t, repo.Calls())

	_, err = e.Run(context.Background())
	assert.Equal(t, errdefs.ScheduleCycle, errdefs.KindOf(err))
	assert.Empty(t, repo.Calls())
}

func TestRunBackupsContinuesAfterCreateFailure(t *testing.T) {
	repo := testlib.NewRepository()
	repo.FailOn("a-202106151200UTC-DAILY")
	obs := &recordingObserver{}
	e := newEngine(t, demoCatalog(t), []Target{
		{Name: "a", Path: "/a", Schedule: "DAILY"},
		{Name: "b", Path: "/b", Schedule: "HOURLY"},
	}, repo, WithObserver(obs))

	report, err := e.RunBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-202106151200UTC-DAILY", "a-202106151200UTC-HOURLY", "b-202106151200UTC-HOURLY"}, repo.Ops("create"))
	assert.Equal(t, []string{"a-202106151200UTC-HOURLY", "b-202106151200UTC-HOURLY"}, report.Created)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "create", report.Failures[0].Op)
	assert.Equal(t, "a-202106151200UTC-DAILY", report.Failures[0].Archive)
	assert.Equal(t, []string{"create a-202106151200UTC-DAILY"}, obs.failed)
	assert.Equal(t, []string{"a/HOURLY", "b/HOURLY"}, obs.created)
}

func TestRunMaxRuntimeKillsInFlightCall(t *testing.T) {
	repo := testlib.NewRepository()
	repo.Hook = func(ctx context.Context, c testlib.Call) error {
		<-ctx.Done()
		return ctx.Err()
	}
	obs := &recordingObserver{}
	e := newEngine(t, demoCatalog(t), []Target{{Name: "demo", Path: "/srv/demo", Schedule: "DAILY"}}, repo,
		WithMaxRuntime(50*time.Millisecond), WithObserver(obs))

	report, err := e.Run(context.Background())
	var rtErr *errdefs.MaxRuntimeExceededError
	require.True(t, errors.As(err, &rtErr), "got %v", err)
	assert.Equal(t, "create", rtErr.Op)
	assert.Equal(t, errdefs.ExitMaxRuntime, errdefs.ExitCode(err))
	assert.Len(t, repo.Calls(), 1)
	assert.Empty(t, report.Created)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, 1, obs.runs)
}

func TestRunBackupsExpiredBeforeStart(t *testing.T) {
	repo := testlib.NewRepository()
	e := newEngine(t, demoCatalog(t), []Target{{Name: "demo", Path: "/srv/demo", Schedule: "DAILY"}}, repo)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := e.RunBackups(ctx)
	assert.Equal(t, errdefs.MaxRuntime, errdefs.KindOf(err))
	_, err = e.PruneBackups(ctx)
	assert.Equal(t, errdefs.MaxRuntime, errdefs.KindOf(err))
	assert.Empty(t, repo.Calls())
}

type flakyListRepo struct {
	*testlib.Repository
	mu    sync.Mutex
	lists int
}

func (r *flakyListRepo) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	r.lists++
	first := r.lists == 1
	r.mu.Unlock()
	if first {
		return nil, &errdefs.ExternalCommandError{Op: "list", ExitStatus: 1, Stderr: "tarsnap: network down"}
	}
	return r.Repository.List(ctx)
}

func TestRunPrunesAfterListFailure(t *testing.T) {
	inner := testlib.NewRepository(
		ago("demo", 72*time.Hour, "HOURLY"),
		ago("demo", 48*time.Hour, "HOURLY"),
	)
	repo := &flakyListRepo{Repository: inner}
	c, err := schedule.New([]schedule.Level{{Name: "HOURLY", Period: time.Hour, AlwaysKeep: 1}})
	require.NoError(t, err)
	e, err := New(c, []Target{{Name: "demo", Path: "/srv/demo", Schedule: "HOURLY"}}, repo, WithClock(fixedClock))
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inner.Ops("create"))
	assert.Equal(t, []string{ago("demo", 72*time.Hour, "HOURLY")}, report.Deleted)
}

func TestPruneKeepsAlwaysKeepOldestFirst(t *testing.T) {
	c, err := schedule.New([]schedule.Level{{Name: "HOURLY", Period: time.Hour, AlwaysKeep: 3}})
	require.NoError(t, err)
	repo := testlib.NewRepository(
		ago("demo", 30*time.Minute, "HOURLY"),
		ago("demo", 2*time.Hour, "HOURLY"),
		ago("demo", 5*time.Hour, "HOURLY"),
		ago("demo", 3*time.Hour, "HOURLY"),
		ago("demo", 4*time.Hour, "HOURLY"),
	)
	e := newEngine(t, c, []Target{{Name: "demo", Path: "/srv/demo", Schedule: "HOURLY"}}, repo)

	report, err := e.PruneBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ago("demo", 5*time.Hour, "HOURLY"), ago("demo", 4*time.Hour, "HOURLY")}, report.Deleted)
	assert.Equal(t, report.Deleted, repo.Ops("delete"))
	assert.Len(t, repo.Names(), 3)
}

func TestPruneNeverDeletesWithinPeriod(t *testing.T) {
	c, err := schedule.New([]schedule.Level{{Name: "HOURLY", Period: time.Hour, AlwaysKeep: 0}})
	require.NoError(t, err)
	boundary := archive.Encode("demo", now.Add(-time.Hour).Add(30*time.Second), "HOURLY")
	e := newEngine(t, c, nil, testlib.NewRepository())

	reqs := e.PlanPrune([]string{boundary, ago("demo", 59*time.Minute, "HOURLY"), ago("demo", 2*time.Hour, "HOURLY")}, now)
	require.Len(t, reqs, 1)
	assert.Equal(t, ago("demo", 2*time.Hour, "HOURLY"), reqs[0].Name)
	assert.Equal(t, "demo", reqs[0].Target)
	assert.Equal(t, "HOURLY", reqs[0].Level)
}

// Counts are pooled per level name, and the listing is sorted as strings,
// so target names order deletions before age does.
func TestPrunePoolsCountsAcrossTargets(t *testing.T) {
	c, err := schedule.New([]schedule.Level{{Name: "DAILY", Period: 24 * time.Hour, AlwaysKeep: 2}})
	require.NoError(t, err)
	names := []string{
		ago("alpha", 50*time.Hour, "DAILY"),
		ago("beta", 100*time.Hour, "DAILY"),
		ago("beta", time.Hour, "DAILY"),
	}
	e := newEngine(t, c, nil, testlib.NewRepository())

	reqs := e.PlanPrune(names, now)
	require.Len(t, reqs, 1)
	assert.Equal(t, ago("alpha", 50*time.Hour, "DAILY"), reqs[0].Name)
}

func TestPruneSkipsUnknownAndUnparseable(t *testing.T) {
	c, err := schedule.New([]schedule.Level{{Name: "DAILY", Period: 24 * time.Hour, AlwaysKeep: 0}})
	require.NoError(t, err)
	obs := &recordingObserver{}
	e := newEngine(t, c, nil, testlib.NewRepository(), WithObserver(obs))

	reqs := e.PlanPrune([]string{
		"manual-backup",
		ago("demo", 100*time.Hour, "RETIRED"),
		ago("demo", 100*time.Hour, "DAILY"),
	}, now)
	require.Len(t, reqs, 1)
	assert.Equal(t, ago("demo", 100*time.Hour, "DAILY"), reqs[0].Name)
	assert.Equal(t, []string{"manual-backup"}, obs.unparsed)
}

func TestPruneDeleteFailureStillCounts(t *testing.T) {
	c, err := schedule.New([]schedule.Level{{Name: "HOURLY", Period: time.Hour, AlwaysKeep: 1}})
	require.NoError(t, err)
	oldest := ago("demo", 4*time.Hour, "HOURLY")
	repo := testlib.NewRepository(oldest, ago("demo", 3*time.Hour, "HOURLY"), ago("demo", 2*time.Hour, "HOURLY"))
	repo.FailOn(oldest)
	e := newEngine(t, c, nil, repo)

	report, err := e.PruneBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{oldest, ago("demo", 3*time.Hour, "HOURLY")}, repo.Ops("delete"))
	assert.Equal(t, []string{ago("demo", 3*time.Hour, "HOURLY")}, report.Deleted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, oldest, report.Failures[0].Archive)
}

func TestPrunePropertyBounds(t *testing.T) {
	levels := []schedule.Level{
		{Name: "H", Period: time.Hour, AlwaysKeep: 3},
		{Name: "D", Period: 24 * time.Hour, AlwaysKeep: 2},
		{Name: "W", Period: 7 * 24 * time.Hour, AlwaysKeep: 0},
	}
	c, err := schedule.New(levels)
	require.NoError(t, err)
	e := newEngine(t, c, nil, testlib.NewRepository())
	rnd := rand.New(rand.NewSource(42))
	targets := []string{"a", "b-c", "d"}

	for iter := 0; iter < 200; iter++ {
		var names []string
		count := map[string]int{}
		n := rnd.Intn(30)
		for i := 0; i < n; i++ {
			l := levels[rnd.Intn(len(levels))]
			name := ago(targets[rnd.Intn(len(targets))], time.Duration(rnd.Intn(20*24*60))*time.Minute, l.Name)
			names = append(names, name)
			count[l.Name]++
		}

		reqs := e.PlanPrune(names, now)
		deleted := map[string]int{}
		lastPerLevel := map[string]string{}
		for _, r := range reqs {
			deleted[r.Level]++
			period, _ := c.Period(r.Level)
			require.True(t, r.Age > period, "deleted %s within its period", r.Name)
			require.True(t, lastPerLevel[r.Level] <= r.Name, "deletions not in listing order")
			lastPerLevel[r.Level] = r.Name
		}
		for _, l := range levels {
			max := count[l.Name] - l.AlwaysKeep
			if max < 0 {
				max = 0
			}
			require.LessOrEqual(t, deleted[l.Name], max, "level %s: %v", l.Name, names)
		}
	}
}

func TestPlanPruneDoesNotMutateInput(t *testing.T) {
	c := demoCatalog(t)
	e := newEngine(t, c, nil, testlib.NewRepository())
	names := []string{"b-202101010000UTC-HOURLY", "a-202101010000UTC-HOURLY"}
	_ = e.PlanPrune(names, now)
	assert.False(t, sort.StringsAreSorted(names))
}

type recordingObserver struct {
	mu       sync.Mutex
	created  []string
	deleted  []string
	unparsed []string
	failed   []string
	runs     int
}

func (o *recordingObserver) ArchiveCreated(target, level, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, target+"/"+level)
}

func (o *recordingObserver) ArchiveDeleted(target, level, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, name)
}

func (o *recordingObserver) ArchiveUnparsed(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unparsed = append(o.unparsed, name)
}

func (o *recordingObserver) CommandFailed(op, name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, fmt.Sprintf("%s %s", op, name))
}

func (o *recordingObserver) RunCompleted(r *Report, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
}
