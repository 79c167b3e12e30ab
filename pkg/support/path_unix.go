//go:build linux
// +build linux

package support

import "os/user"

// CheckPath returns the default log file and pid file paths for the current user.
func CheckPath() (string, string, error) {
	var logPath, pidPath string
	currentUser, err := user.Current()
	if err != nil {
		return "", "", err
	}

	if currentUser.Username == "root" {
		logPath = "/var/log/feather/feather.log"
		pidPath = "/var/run/feather.pid"
	} else {
		logPath = currentUser.HomeDir + "/.feather/feather.log"
		pidPath = currentUser.HomeDir + "/.feather/feather.pid"
	}

	return logPath, pidPath, nil
}
