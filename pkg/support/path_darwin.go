//go:build darwin
// +build darwin

package support

import "os/user"

// CheckPath returns the default log file and pid file paths for the current user.
func CheckPath() (string, string, error) {
	var logPath, pidPath string
	user, err := user.Current()
	if err != nil {
		return "", "", err
	}

	if user.Username == "root" {
		logPath = "/var/log/feather/feather.log"
		pidPath = "/var/run/feather.pid"
	} else {
		logPath = user.HomeDir + "/Library/Logs/feather/feather.log"
		pidPath = user.HomeDir + "/.feather/feather.pid"
	}

	return logPath, pidPath, nil
}
