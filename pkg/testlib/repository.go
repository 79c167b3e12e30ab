package testlib

import (
	"context"
	"sort"
	"sync"

	"github.com/bizflycloud/feather/pkg/errdefs"
)

// Call is one recorded repository operation.
type Call struct {
	Op   string
	Path string
	Name string
}

// Repository is an in-memory repository.Repository for tests.
type Repository struct {
	mu      sync.Mutex
	names   []string
	calls   []Call
	failing map[string]bool

	// ListErr, when set, is returned by List.
	ListErr error
	// Hook runs before each Create and Delete; a non-nil error is returned
	// from the call.
	Hook func(ctx context.Context, c Call) error
}

// NewRepository returns a repository pre-populated with names.
func NewRepository(names ...string) *Repository {
	return &Repository{
		names:   append([]string(nil), names...),
		failing: make(map[string]bool),
	}
}

// FailOn makes Create and Delete of name fail with a non-zero exit.
func (r *Repository) FailOn(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[name] = true
}

// Names returns the stored archive names, sorted.
func (r *Repository) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.names...)
	sort.Strings(out)
	return out
}

// Calls returns the Create and Delete calls made so far.
func (r *Repository) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded calls of kind op, by archive name.
func (r *Repository) Ops(op string) []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c.Name)
		}
	}
	return out
}

func (r *Repository) List(ctx context.Context) ([]string, error) {
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Unsorted on purpose; callers must not rely on listing order.
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	for i, n := range r.names {
		out[len(r.names)-1-i] = n
	}
	return out, nil
}

func (r *Repository) Create(ctx context.Context, path, name string) error {
	c := Call{Op: "create", Path: path, Name: name}
	if err := r.record(ctx, c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	c := Call{Op: "delete", Name: name}
	if err := r.record(ctx, c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Repository) record(ctx context.Context, c Call) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	failing := r.failing[c.Name]
	r.mu.Unlock()

	if r.Hook != nil {
		if err := r.Hook(ctx, c); err != nil {
			return err
		}
	}
	if failing {
		return &errdefs.ExternalCommandError{Op: c.Op, ExitStatus: 1, Stderr: "tarsnap: simulated failure"}
	}
	return nil
}
