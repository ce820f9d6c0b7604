package pageframe

import "log"

// Mode selects how the managed region's metadata is placed and
// whether a crash can be recovered from.
type Mode int

const (
	// Volatile keeps all bookkeeping (bitfields, chunk entries, tree
	// entries) off the managed region entirely, in plain heap memory.
	// Nothing survives a restart; this is the default and the cheapest
	// mode.
	Volatile Mode = iota
	// Overwrite places bookkeeping (bitfields, chunk entries, meta
	// header) in the file named by WithPersistPath, memory-mapped, but
	// always (re)initializes it fresh on open, ignoring whatever was
	// there before. Without a persist path it keeps the bookkeeping on
	// the heap, as Volatile does.
	Overwrite
	// Recover inspects the persisted meta header on open: a frame-count
	// mismatch against a prior run is reported as an Initialization
	// error, and a header left marked "in use" (an unclean prior
	// shutdown) is logged through the configured Logger. See
	// Allocator.Close and internal/chunk.Lower.Recover's deep
	// bitfield-vs-counter reconciliation scan for the mechanics this
	// mode is built on.
	Recover
)

func (m Mode) String() string {
	switch m {
	case Volatile:
		return "volatile"
	case Overwrite:
		return "overwrite"
	case Recover:
		return "recover"
	default:
		return "unknown"
	}
}

// Logger is the minimal interface the allocator uses to report
// non-fatal anomalies, such as counter drift repaired during a deep
// recovery scan. A nil Logger silences these reports.
type Logger interface {
	Warnf(format string, args ...any)
}

type stdLogger struct{ l *log.Logger }

func (s stdLogger) Warnf(format string, args ...any) { s.l.Printf(format, args...) }

// DefaultLogger returns a Logger that writes to the standard library's
// default logger.
func DefaultLogger() Logger { return stdLogger{l: log.Default()} }

// Config holds the options New accepts. Use the With* functions to
// build one rather than constructing it directly.
type Config struct {
	mode      Mode
	cores     int
	freeAll   bool
	persistTo string
	logger    Logger
}

// Option configures a Config.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		mode:    Volatile,
		cores:   1,
		freeAll: true,
		logger:  DefaultLogger(),
	}
}

// WithMode selects the metadata-placement and recovery mode.
func WithMode(m Mode) Option {
	return func(c *Config) { c.mode = m }
}

// WithCores sets the number of independent per-core local reservations
// the allocator maintains. Callers should pass one per OS thread that
// will call into the allocator concurrently.
func WithCores(n int) Option {
	return func(c *Config) {
		if n < 1 {
			n = 1
		}
		c.cores = n
	}
}

// WithPersistPath sets the backing file path used by Overwrite and
// Recover modes to persist the meta header (magic, frame count, and
// crashed flag). Ignored in Volatile mode.
func WithPersistPath(path string) Option {
	return func(c *Config) { c.persistTo = path }
}

// WithFreeAll selects whether a freshly (re)initialized allocator
// starts with every frame free (true, the default) or every frame
// reserved/allocated (false), matching the constructor's free_all
// contract. In Recover mode this only applies when there is no usable
// prior state to recover from.
func WithFreeAll(freeAll bool) Option {
	return func(c *Config) { c.freeAll = freeAll }
}

// WithLogger overrides the Logger used to report recovery anomalies.
// Passing nil silences reporting entirely.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.logger = l }
}
