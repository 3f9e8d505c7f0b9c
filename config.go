package fcgisrv

import "go.uber.org/zap"

// GetValuesConfig supplies the values this server reports in response
// to FCGI_GET_VALUES queries for the variables the protocol defines.
// MultiplexConns is always reported as "0": this core rejects
// multiplexed requests outright (CANT_MPX_CONN), so the field exists
// only to document that choice at the wire level.
type GetValuesConfig struct {
	MaxConns       string
	MaxReqs        string
	MultiplexConns string
}

// defaultGetValues reports conservative, always-correct defaults.
// MultiplexConns defaults to "0": this core rejects every multiplexed
// BEGIN_REQUEST with CANT_MPX_CONN, so advertising anything else would
// misrepresent what the connection actually supports.
func defaultGetValues() GetValuesConfig {
	return GetValuesConfig{MaxConns: "1", MaxReqs: "1", MultiplexConns: "0"}
}

// Config holds configuration options for server behavior. Zero values
// are not safe to use directly; construct via DefaultConfig and apply
// Options.
type Config struct {
	// MaxConnections caps the number of simultaneously accepted
	// connections. Default: 1024.
	MaxConnections int

	// WriteBudget is the per-tick cap, in bytes, on how much of a
	// connection's output queue is drained on one writable-readiness
	// turn. Default: 256 KiB.
	WriteBudget int

	// MaxKeyLen and MaxValueLen bound the size of a single PARAMS or
	// GET_VALUES key/value pair; exceeding either closes the
	// connection as a protocol violation. Default: 64 KiB each.
	MaxKeyLen   int
	MaxValueLen int

	// GetValues controls FCGI_GET_VALUES_RESULT content.
	GetValues GetValuesConfig

	// Logger receives structured events for accept failures, protocol
	// violations, and EMFILE backoff. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections: 1024,
		WriteBudget:    writeBudget,
		MaxKeyLen:      64 * 1024,
		MaxValueLen:    64 * 1024,
		GetValues:      defaultGetValues(),
		Logger:         zap.NewNop(),
	}
}

// Option mutates a Config; pass zero or more to NewServer.
type Option func(*Config)

// WithMaxConnections overrides the connection cap.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithWriteBudget overrides the per-tick write budget, in bytes.
func WithWriteBudget(n int) Option {
	return func(c *Config) { c.WriteBudget = n }
}

// WithLimits overrides the key/value size limits, in bytes.
func WithLimits(maxKeyLen, maxValueLen int) Option {
	return func(c *Config) { c.MaxKeyLen = maxKeyLen; c.MaxValueLen = maxValueLen }
}

// WithGetValues overrides the FCGI_GET_VALUES_RESULT content.
func WithGetValues(gv GetValuesConfig) Option {
	return func(c *Config) { c.GetValues = gv }
}

// WithLogger overrides the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
