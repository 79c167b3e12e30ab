package repository

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bizflycloud/feather/pkg/errdefs"
)

const defaultBinary = "tarsnap"

var _ Repository = (*Tarsnap)(nil)

// Tarsnap is a Repository backed by the tarsnap command line client.
type Tarsnap struct {
	binPath         string
	cacheDir        string
	keyFile         string
	checkpointBytes uint64
	verbosity       int

	logger *zap.Logger
}

// Option configures Tarsnap.
type Option func(t *Tarsnap) error

// WithBinPath sets the directory containing the tarsnap binary.
func WithBinPath(dir string) Option {
	return func(t *Tarsnap) error {
		t.binPath = dir
		return nil
	}
}

// WithCacheDir sets the tarsnap --cachedir.
func WithCacheDir(dir string) Option {
	return func(t *Tarsnap) error {
		t.cacheDir = dir
		return nil
	}
}

// WithKeyFile sets the tarsnap --keyfile.
func WithKeyFile(path string) Option {
	return func(t *Tarsnap) error {
		t.keyFile = path
		return nil
	}
}

// WithCheckpointBytes sets --checkpoint-bytes for archive creation. Zero omits the flag.
func WithCheckpointBytes(n uint64) Option {
	return func(t *Tarsnap) error {
		t.checkpointBytes = n
		return nil
	}
}

// WithVerbosity controls whether tarsnap prints statistics.
func WithVerbosity(v int) Option {
	return func(t *Tarsnap) error {
		if v < 0 {
			return errors.New("negative verbosity")
		}
		t.verbosity = v
		return nil
	}
}

// WithLogger sets the logger command output is streamed to.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tarsnap) error {
		t.logger = logger
		return nil
	}
}

// NewTarsnap creates a tarsnap backed repository.
func NewTarsnap(opts ...Option) (*Tarsnap, error) {
	t := &Tarsnap{}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t, nil
}

func (t *Tarsnap) binary() string {
	if t.binPath != "" {
		return filepath.Join(t.binPath, defaultBinary)
	}
	return defaultBinary
}

func (t *Tarsnap) baseArgs() []string {
	var args []string
	if t.cacheDir != "" {
		args = append(args, "--cachedir", t.cacheDir)
	}
	if t.keyFile != "" {
		args = append(args, "--keyfile", t.keyFile)
	}
	if t.verbosity > 0 {
		args = append(args, "--print-stats", "--humanize-numbers")
	} else {
		args = append(args, "--no-print-stats")
	}
	return args
}

func (t *Tarsnap) listArgs() []string {
	return append(t.baseArgs(), "--list-archives")
}

func (t *Tarsnap) createArgs(path, name string) []string {
	args := t.baseArgs()
	if t.checkpointBytes > 0 {
		args = append(args, "--checkpoint-bytes", strconv.FormatUint(t.checkpointBytes, 10))
	}
	return append(args, "--one-file-system", "-c", "-f", name, path)
}

func (t *Tarsnap) deleteArgs(name string) []string {
	return append(t.baseArgs(), "-d", "-f", name)
}

// List implements Repository. Names are returned sorted.
func (t *Tarsnap) List(ctx context.Context) ([]string, error) {
	out, err := t.execute(ctx, "list", t.listArgs())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		names = append(names, line)
	}
	sort.Strings(names)
	return names, nil
}

// Create implements Repository.
func (t *Tarsnap) Create(ctx context.Context, path, name string) error {
	_, err := t.execute(ctx, "create", t.createArgs(path, name))
	return err
}

// Delete implements Repository.
func (t *Tarsnap) Delete(ctx context.Context, name string) error {
	_, err := t.execute(ctx, "delete", t.deleteArgs(name))
	return err
}

// execute runs tarsnap, streaming both output pipes to the logger, and
// returns stdout.
func (t *Tarsnap) execute(ctx context.Context, op string, args []string) ([]byte, error) {
	bin := t.binary()
	logger := t.logger.With(zap.String("op", op))
	logger.Debug("Executing", zap.String("cmd", bin), zap.Strings("args", args))

	cmdErr := func(status int, stderr string, err error) error {
		return &errdefs.ExternalCommandError{
			Op:         op,
			Args:       append([]string{bin}, args...),
			ExitStatus: status,
			Stderr:     stderr,
			Err:        err,
		}
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cmdErr(-1, "", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, cmdErr(-1, "", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, cmdErr(-1, "", err)
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		return drain(stdoutPipe, &stdout, func(line string) {
			logger.Debug(line, zap.String("stream", "stdout"))
		})
	})
	g.Go(func() error {
		return drain(stderrPipe, &stderr, func(line string) {
			logger.Debug(line, zap.String("stream", "stderr"))
		})
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), cmdErr(-1, stderr.String(), ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return stdout.Bytes(), cmdErr(exitErr.ExitCode(), stderr.String(), nil)
		}
		return stdout.Bytes(), cmdErr(-1, stderr.String(), waitErr)
	}
	if readErr != nil {
		return stdout.Bytes(), cmdErr(0, stderr.String(), readErr)
	}
	return stdout.Bytes(), nil
}

func drain(r io.Reader, buf *bytes.Buffer, onLine func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		onLine(line)
	}
	return sc.Err()
}
