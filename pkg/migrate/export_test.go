package migrate

// StubProcessAlive swaps the pid liveness check used for stale-lock
// reclamation and returns a restore function.
func StubProcessAlive(fn func(pid int) bool) func() {
	prev := processAlive
	processAlive = fn
	return func() { processAlive = prev }
}
