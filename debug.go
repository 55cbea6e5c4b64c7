package breakwater

import "github.com/google/uuid"

// DebugConfig gates diagnostic logging per concern. All gates default to
// off so production paths pay no logging cost until explicitly enabled.
type DebugConfig struct {
	Enabled        bool
	LogRequests    bool
	LogRetries     bool
	LogRateLimit   bool
	LogQueue       bool
	LogDedup       bool
	LogIdempotency bool
	LogCircuit     bool

	// RequestIDGen produces the correlation ID attached to every log line
	// for a request. Defaults to a UUID generator.
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled configuration with a UUID request
// ID generator.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		RequestIDGen: func() string { return uuid.NewString() },
	}
}

// EnableAll turns on every logging gate and returns the config for chaining.
func (d *DebugConfig) EnableAll() *DebugConfig {
	d.Enabled = true
	d.LogRequests = true
	d.LogRetries = true
	d.LogRateLimit = true
	d.LogQueue = true
	d.LogDedup = true
	d.LogIdempotency = true
	d.LogCircuit = true
	return d
}
