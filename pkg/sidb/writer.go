package sidb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/lzw"
)

// Writer emits SIDB fields. Errors are sticky: once a write fails every later call returns
// the same error.
type Writer struct {
	caps Capabilities
	sink io.Writer
	raw  *bufio.Writer
	enc  *lzw.Encoder
	file *os.File
	mem  *bytes.Buffer
	err  error

	closed bool
}

// NewWriter writes the header for format to w and returns a writer for the fields that follow.
func NewWriter(w io.Writer, format byte, opts ...Option) (*Writer, error) {
	caps, ok := CapabilitiesOf(format)
	if !ok {
		return nil, &FormatError{Format: format}
	}
	cfg := newConfig(opts)

	raw := bufio.NewWriter(w)
	if _, err := raw.WriteString(constants.Magic); err != nil {
		return nil, err
	}
	if err := raw.WriteByte(format); err != nil {
		return nil, err
	}

	sw := &Writer{caps: caps, raw: raw, sink: raw}
	if caps.Compressed {
		sw.enc = lzw.NewEncoder(raw, cfg.lzw...)
		sw.sink = sw.enc
	}
	return sw, nil
}

// Create truncates or creates the file at path and opens it for writing.
func Create(path string, format byte, opts ...Option) (*Writer, error) {
	if _, ok := CapabilitiesOf(format); !ok {
		return nil, &FormatError{Format: format}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sidb: open %s for writing: %w", path, err)
	}

	w, err := NewWriter(f, format, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewMemoryWriter writes into an in-memory buffer, retrieved with Bytes after Close.
func NewMemoryWriter(format byte, opts ...Option) (*Writer, error) {
	buf := new(bytes.Buffer)
	w, err := NewWriter(buf, format, opts...)
	if err != nil {
		return nil, err
	}
	w.mem = buf
	return w, nil
}

func (w *Writer) Caps() Capabilities {
	return w.caps
}

// WriteString writes s with a four-byte length prefix.
func (w *Writer) WriteString(s string) error {
	return w.writeField(4, s)
}

// WriteShortString writes s with a two-byte length prefix when the format supports it and
// falls back to WriteString otherwise.
func (w *Writer) WriteShortString(s string) error {
	if !w.caps.ShortStrings {
		return w.WriteString(s)
	}
	if len(s) > 0xFFFF {
		return w.fail(fmt.Errorf("%w: %d bytes", constants.ErrStringTooLong, len(s)))
	}
	return w.writeField(2, s)
}

// WriteInt32 writes v as decimal text.
func (w *Writer) WriteInt32(v int32) error {
	return w.WriteShortString(strconv.FormatInt(int64(v), 10))
}

// WriteLong writes v as decimal text.
func (w *Writer) WriteLong(v int64) error {
	return w.WriteShortString(strconv.FormatInt(v, 10))
}

func (w *Writer) writeField(prefix int, s string) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return constants.ErrClosed
	}

	var head [4]byte
	if prefix == 2 {
		binary.BigEndian.PutUint16(head[:2], uint16(len(s)))
	} else {
		binary.BigEndian.PutUint32(head[:4], uint32(len(s)))
	}
	if _, err := w.sink.Write(head[:prefix]); err != nil {
		return w.fail(err)
	}
	if _, err := io.WriteString(w.sink, s); err != nil {
		return w.fail(err)
	}
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}

// Close finishes the compressed stream, flushes buffered output and closes the file, if any.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true

	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.fail(err)
		}
	}
	if w.err == nil {
		if err := w.raw.Flush(); err != nil {
			w.fail(err)
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			w.fail(err)
		}
	}
	return w.err
}

// Bytes returns the stream written by a memory writer. It is nil for any other writer.
func (w *Writer) Bytes() []byte {
	if w.mem == nil {
		return nil
	}
	return w.mem.Bytes()
}
