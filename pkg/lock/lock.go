// Package lock implements the pid file that keeps two feather runs from
// overlapping.
package lock

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/bizflycloud/feather/pkg/errdefs"
)

// Lock is a held pid file.
type Lock struct {
	path string
	pid  int
}

// Acquire takes the pid file at path for the current process.
//
// If the file names a live process, Acquire fails with a
// *errdefs.ConcurrencyError. A stale or unreadable file is overwritten.
// Reclaiming is not atomic: two instances reclaiming the same stale file at
// once may both succeed.
func Acquire(path string) (*Lock, error) {
	buf, err := ioutil.ReadFile(path)
	switch {
	case err == nil:
		if pid, ok := parsePid(buf); ok && processAlive(pid) {
			return nil, &errdefs.ConcurrencyError{PidFile: path, Pid: pid}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	l := &Lock{path: path, pid: os.Getpid()}
	if err := ioutil.WriteFile(path, []byte(strconv.Itoa(l.pid)), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return l, nil
}

// parsePid reads a pid file body. Values outside the positive int32 range
// are rejected: the kernel would truncate them to some other pid.
func parsePid(buf []byte) (int, bool) {
	pid, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int(pid), true
}

// Path returns the pid file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the pid file if it still holds our pid.
func (l *Lock) Release() error {
	buf, err := ioutil.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(buf)) != strconv.Itoa(l.pid) {
		return nil
	}
	return os.Remove(l.path)
}
