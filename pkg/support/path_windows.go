package support

// CheckPath returns the default log file and pid file paths.
func CheckPath() (string, string, error) {
	logPath := "C:\\Program Files\\feather\\log\\feather.log"
	pidPath := "C:\\Program Files\\feather\\feather.pid"

	return logPath, pidPath, nil
}
