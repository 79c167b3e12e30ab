//go:build linux
// +build linux

package support

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPath(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)

	logPath, pidPath, err := CheckPath()
	require.NoError(t, err)
	assert.Equal(t, "feather.log", filepath.Base(logPath))
	assert.Equal(t, "feather.pid", filepath.Base(pidPath))
	if u.Username == "root" {
		assert.Equal(t, "/var/run/feather.pid", pidPath)
	} else {
		assert.Equal(t, filepath.Join(u.HomeDir, ".feather"), filepath.Dir(pidPath))
	}
}
