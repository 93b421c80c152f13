package e57

import "github.com/rtlab-ims-pub/libE57Format/internal/pageio"

// OpenOption configures Open. This follows the functional options pattern
// used throughout this module's ancestry for optional, composable
// configuration.
type OpenOption func(*openConfig)

type openConfig struct {
	strictCRC bool
}

func defaultOpenConfig() openConfig {
	return openConfig{strictCRC: true}
}

// WithOpenStrictCRC controls whether a checksum failure on one page marks
// the whole container sick (the default, true) or is returned only to the
// reader call that touched that page, leaving the rest of the container
// usable (a Read that fails this way still leaves its reader sick).
// Disabling this is a best-effort recovery knob for partially-corrupt
// files; it is never required for a conforming container.
func WithOpenStrictCRC(enabled bool) OpenOption {
	return func(c *openConfig) { c.strictCRC = enabled }
}

// WriterOption configures Create. This mirrors OpenOption for the write
// path, plus the knobs that only make sense when laying out a brand new
// container.
type WriterOption func(*writerConfig)

type writerConfig struct {
	pageSize  uint64
	strictCRC bool
}

func defaultWriterConfig() writerConfig {
	return writerConfig{pageSize: pageio.DefaultPageSize, strictCRC: true}
}

// WithPageSize overrides the container's logical page size (spec section
// 4.3 default: 1024 bytes). Only meaningful at Create time; an existing
// container's page size is read from its header.
func WithPageSize(pageSize uint64) WriterOption {
	return func(c *writerConfig) { c.pageSize = pageSize }
}

// WithWriterStrictCRC is the Create-time counterpart of
// WithOpenStrictCRC.
func WithWriterStrictCRC(enabled bool) WriterOption {
	return func(c *writerConfig) { c.strictCRC = enabled }
}
