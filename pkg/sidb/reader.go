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

// Reader decodes SIDB fields. Read methods report a missing or malformed field with
// ok == false and leave it to the caller to keep its default; a stream-level failure
// (truncation, I/O) makes every later read fail as well and is available from Err.
type Reader struct {
	caps Capabilities
	src  io.Reader
	file *os.File
	err  error
}

// NewReader validates the header of r and returns a reader positioned at the first field.
// Streams written by a newer format are rejected with a [FormatError].
func NewReader(r io.Reader, opts ...Option) (*Reader, error) {
	cfg := newConfig(opts)
	br := bufio.NewReader(r)

	var header [5]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrBadMagic, err)
	}
	if string(header[:4]) != constants.Magic {
		return nil, constants.ErrBadMagic
	}

	caps, ok := CapabilitiesOf(header[4])
	if !ok {
		return nil, &FormatError{Format: header[4]}
	}

	sr := &Reader{caps: caps, src: br}
	if caps.Compressed {
		sr.src = lzw.NewDecoder(br, cfg.lzw...)
	}
	return sr, nil
}

// Open opens the file at path for reading.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sidb: open %s: %w", path, err)
	}

	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewMemoryReader reads a stream produced by a memory writer.
func NewMemoryReader(data []byte, opts ...Option) (*Reader, error) {
	return NewReader(bytes.NewReader(data), opts...)
}

func (r *Reader) Caps() Capabilities {
	return r.caps
}

// Err returns the first stream-level failure.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) ReadString() (string, bool) {
	return r.readField(4)
}

func (r *Reader) ReadShortString() (string, bool) {
	if !r.caps.ShortStrings {
		return r.ReadString()
	}
	return r.readField(2)
}

func (r *Reader) ReadInt32() (int32, bool) {
	s, ok := r.ReadShortString()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func (r *Reader) ReadLong() (int64, bool) {
	s, ok := r.ReadShortString()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r *Reader) readField(prefix int) (string, bool) {
	if r.err != nil {
		return "", false
	}

	var head [4]byte
	if _, err := io.ReadFull(r.src, head[:prefix]); err != nil {
		r.err = err
		return "", false
	}

	var n uint32
	if prefix == 2 {
		n = uint32(binary.BigEndian.Uint16(head[:2]))
	} else {
		n = binary.BigEndian.Uint32(head[:4])
	}
	if n > constants.MaxFrameField {
		r.err = fmt.Errorf("%w: %d bytes", constants.ErrFrameTooLarge, n)
		return "", false
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		r.err = err
		return "", false
	}
	return string(payload), true
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
