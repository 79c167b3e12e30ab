package support

// Nice is a no-op on windows.
func Nice(prio int) error {
	return nil
}
