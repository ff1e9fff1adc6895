// Package sidb reads and writes SIDB streams: the versioned, length-prefixed field format
// used both for database files and for the snapshot a replication server sends to a new peer.
//
// Every stream opens with the magic "SYL " and one format byte. The format byte selects a
// fixed set of capabilities ([Capabilities]) that is resolved once when the stream is
// opened; readers and writers consult it instead of comparing version numbers.
package sidb

import (
	"fmt"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/lzw"
)

// Capabilities describes what a format version carries.
type Capabilities struct {
	Format byte
	// Headless streams omit the database name.
	Headless bool
	// Compressed streams route every byte after the header through the LZW packer.
	Compressed bool
	// RecordUUIDs adds a UUID field to every record.
	RecordUUIDs bool
	// RevisionUUIDs adds a UUID field to every revision and to the database itself.
	RevisionUUIDs bool
	// ShortStrings shrinks the length prefix of short fields to two bytes.
	ShortStrings bool
}

var formats = buildFormats()

func buildFormats() []Capabilities {
	table := make([]Capabilities, constants.MaxFormat+1)
	for f := byte(1); f <= constants.MaxFormat; f++ {
		table[f] = Capabilities{
			Format:        f,
			Headless:      f < 3,
			Compressed:    f%2 == 0,
			RecordUUIDs:   f >= 5,
			RevisionUUIDs: f >= 7,
			ShortStrings:  f >= 13,
		}
	}
	return table
}

// CapabilitiesOf looks up a format byte. Zero and anything newer than
// [constants.MaxFormat] are not supported.
func CapabilitiesOf(format byte) (Capabilities, bool) {
	if format == 0 || int(format) >= len(formats) {
		return Capabilities{}, false
	}
	return formats[format], true
}

// Uncompressed returns the newest format at or below f that does not use LZW.
func Uncompressed(f byte) byte {
	if f%2 == 0 {
		return f - 1
	}
	return f
}

// FormatError reports a format byte this build cannot handle.
type FormatError struct {
	Format byte
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("sidb: format %d is not supported (newest supported format is %d)", e.Format, constants.MaxFormat)
}

func (e *FormatError) Unwrap() error {
	return constants.ErrUnsupportedFormat
}

type Option func(c *config)

type config struct {
	lzw []lzw.Option
}

// WithMaxCodeWidth caps the LZW code width of compressed streams.
func WithMaxCodeWidth(width int) Option {
	return func(c *config) {
		c.lzw = append(c.lzw, lzw.WithMaxWidth(width))
	}
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
