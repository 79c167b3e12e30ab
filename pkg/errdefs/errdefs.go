package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every error feather reports.
type Kind int

const (
	Unknown Kind = iota
	Config
	ScheduleCycle
	Concurrency
	MaxRuntime
	ArchiveParse
	ExternalCommand
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case ScheduleCycle:
		return "schedule_cycle"
	case Concurrency:
		return "concurrency"
	case MaxRuntime:
		return "max_runtime"
	case ArchiveParse:
		return "archive_parse"
	case ExternalCommand:
		return "external_command"
	}
	return "unknown"
}

// Fatal reports whether errors of kind k abort the whole invocation.
func (k Kind) Fatal() bool {
	switch k {
	case ArchiveParse, ExternalCommand:
		return false
	}
	return true
}

// Process exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfig        = 2
	ExitConcurrency   = 3
	ExitScheduleCycle = 4
	ExitMaxRuntime    = 5
)

// ConfigError is a missing or invalid field in the configuration document.
type ConfigError struct {
	Section string
	Name    string
	Msg     string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Section, e.Msg)
	}
	return fmt.Sprintf("configuration error: %s %q: %s", e.Section, e.Name, e.Msg)
}

// ScheduleCycleError is returned when following implies from Start revisits Repeated.
type ScheduleCycleError struct {
	Start    string
	Repeated string
	Chain    []string
}

func (e *ScheduleCycleError) Error() string {
	return fmt.Sprintf("schedule cycle: level %q recurs while resolving %q (%s)",
		e.Repeated, e.Start, strings.Join(append(append([]string{}, e.Chain...), e.Repeated), " -> "))
}

// ConcurrencyError means another live instance holds the pid file.
type ConcurrencyError struct {
	PidFile string
	Pid     int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("already running as pid %d (pid file %s)", e.Pid, e.PidFile)
}

// MaxRuntimeExceededError is returned once the configured deadline has elapsed.
type MaxRuntimeExceededError struct {
	Limit string
	Op    string
}

func (e *MaxRuntimeExceededError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("maximum runtime of %s exceeded; aborting", e.Limit)
	}
	return fmt.Sprintf("maximum runtime of %s exceeded during %s; aborting", e.Limit, e.Op)
}

// ArchiveParseError is an archive identifier outside the canonical grammar.
type ArchiveParseError struct {
	Identifier string
	Reason     string
}

func (e *ArchiveParseError) Error() string {
	return fmt.Sprintf("unrecognized archive %q: %s", e.Identifier, e.Reason)
}

// ExternalCommandError is a non-zero exit (or failure to start) of the archive tool.
type ExternalCommandError struct {
	Op         string
	Args       []string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("%s failed with exit status %d", e.Op, e.ExitStatus)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first typed error found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var (
		cfgErr   *ConfigError
		cycleErr *ScheduleCycleError
		lockErr  *ConcurrencyError
		rtErr    *MaxRuntimeExceededError
		parseErr *ArchiveParseError
		cmdErr   *ExternalCommandError
	)
	switch {
	case errors.As(err, &rtErr):
		return MaxRuntime
	case errors.As(err, &cycleErr):
		return ScheduleCycle
	case errors.As(err, &cfgErr):
		return Config
	case errors.As(err, &lockErr):
		return Concurrency
	case errors.As(err, &parseErr):
		return ArchiveParse
	case errors.As(err, &cmdErr):
		return ExternalCommand
	}
	return Unknown
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case Config:
		return ExitConfig
	case Concurrency:
		return ExitConcurrency
	case ScheduleCycle:
		return ExitScheduleCycle
	case MaxRuntime:
		return ExitMaxRuntime
	case ArchiveParse, ExternalCommand:
		return ExitOK
	}
	return ExitFailure
}
