package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests, so
// real components run with instrumentation disabled.
func NewForTesting() Telemetry {
	return NewNoop()
}
