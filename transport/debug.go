//go:build !quicdebug

package transport

// debug is a no-op unless the module is built with the quicdebug tag.
// Keeping two build-tagged files (this one and debug_on.go) instead of
// a runtime level check avoids paying fmt.Sprintf cost on the
// packet-processing hot path in ordinary builds.
func debug(format string, args ...interface{}) {}
