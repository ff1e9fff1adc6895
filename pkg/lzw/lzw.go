// Package lzw implements the variable-width LZW bit packer used by compressed SIDB streams.
//
// Codes 0-255 stand for single bytes, 257 marks the end of the stream and new dictionary
// entries start at 258. Codes are packed most significant bit first. The code width starts
// at 9 bits and grows by one whenever the next code to be assigned no longer fits, up to
// [MaxWidth] bits. An encoder that runs out of code space fails with
// [constants.ErrCapacityExceeded]; callers are expected to fall back to an uncompressed format.
package lzw

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

const (
	// MinWidth is the code width of a freshly initialized dictionary.
	MinWidth = 9
	// MaxWidth is the widest code the packer will emit.
	MaxWidth = 24
	// EndOfStream terminates every compressed stream.
	EndOfStream = 257

	firstCode = 258
)

type Option func(c *config)

type config struct {
	maxWidth uint
}

// WithMaxWidth lowers the code width cap. Values outside [MinWidth, MaxWidth] are ignored.
func WithMaxWidth(width int) Option {
	return func(c *config) {
		if width >= MinWidth && width <= MaxWidth {
			c.maxWidth = uint(width)
		}
	}
}

func newConfig(opts []Option) config {
	c := config{maxWidth: MaxWidth}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Encoder compresses bytes written to it and forwards the packed codes to the underlying writer.
type Encoder struct {
	w        io.Writer
	dict     map[uint64]uint32
	prefix   int64 // code of the pending match, -1 when empty
	next     uint32
	width    uint
	maxWidth uint
	bits     bitWriter
	err      error
	closed   bool
}

// NewEncoder returns an initialized encoder writing to w.
func NewEncoder(w io.Writer, opts ...Option) *Encoder {
	cfg := newConfig(opts)
	e := &Encoder{w: w, maxWidth: cfg.maxWidth}
	e.init()
	return e
}

func (e *Encoder) init() {
	e.dict = make(map[uint64]uint32)
	e.prefix = -1
	e.next = firstCode
	e.width = MinWidth
}

// Write consumes p incrementally. Codes are emitted as soon as a match can no longer be
// extended, so the pending match always lags the input by at least one byte.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.closed {
		return 0, constants.ErrClosed
	}

	for i, c := range p {
		if e.prefix < 0 {
			e.prefix = int64(c)
			continue
		}

		key := uint64(e.prefix)<<8 | uint64(c)
		if code, ok := e.dict[key]; ok {
			e.prefix = int64(code)
			continue
		}

		e.bits.write(uint32(e.prefix), e.width)
		code, err := e.reserve()
		if err != nil {
			e.err = err
			return i, err
		}
		e.dict[key] = code
		e.prefix = int64(c)
	}

	if err := e.flush(); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// Close emits the pending match and the end-of-stream code, then pads the final byte with
// zero bits. It does not close the underlying writer.
func (e *Encoder) Close() error {
	if e.closed {
		return e.err
	}
	e.closed = true
	if e.err != nil {
		return e.err
	}

	if e.prefix >= 0 {
		e.bits.write(uint32(e.prefix), e.width)
		// The decoder reserves a slot after every code it reads, so the width used for the
		// end-of-stream code has to account for it.
		if _, err := e.reserve(); err != nil {
			e.err = err
			return err
		}
		e.prefix = -1
	}
	e.bits.write(EndOfStream, e.width)
	e.bits.pad()

	return e.flush()
}

func (e *Encoder) reserve() (uint32, error) {
	code := e.next
	e.next++
	if e.next == 1<<e.width {
		if e.width >= e.maxWidth {
			return 0, constants.ErrCapacityExceeded
		}
		e.width++
	}
	return code, nil
}

func (e *Encoder) flush() error {
	if len(e.bits.buf) == 0 {
		return nil
	}
	_, err := e.w.Write(e.bits.buf)
	e.bits.buf = e.bits.buf[:0]
	if err != nil {
		e.err = err
	}
	return err
}

// Decoder is the mirror of Encoder. It implements io.Reader and returns io.EOF once the
// end-of-stream code, or the end of the underlying input, is reached.
type Decoder struct {
	r        io.ByteReader
	table    [][]byte
	prev     []byte
	slot     int
	next     uint32
	width    uint
	maxWidth uint
	bits     bitReader
	out      []byte
	eof      bool
	err      error
}

// NewDecoder returns an initialized decoder reading packed codes from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	cfg := newConfig(opts)
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := &Decoder{r: br, maxWidth: cfg.maxWidth}
	d.init()
	return d
}

func (d *Decoder) init() {
	d.table = make([][]byte, firstCode)
	for i := 0; i < 256; i++ {
		d.table[i] = []byte{byte(i)}
	}
	d.prev = nil
	d.slot = -1
	d.next = firstCode
	d.width = MinWidth
}

func (d *Decoder) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		if d.eof {
			return 0, io.EOF
		}
		d.out = d.out[:0]
		d.step()
	}

	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

// Next decompresses exactly n bytes. A short stream yields io.ErrUnexpectedEOF along with
// whatever was decoded.
func (d *Decoder) Next(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(d, buf)
	return buf[:read], err
}

func (d *Decoder) step() {
	code, err := d.bits.read(d.r, d.width)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			d.err = err
		}
		d.eof = true
		return
	}
	if code == EndOfStream {
		d.eof = true
		return
	}

	var entry []byte
	switch {
	case int(code) < len(d.table) && d.table[code] != nil:
		entry = d.table[code]
	case d.prev != nil && int(code) == d.slot:
		entry = extend(d.prev, d.prev[0])
	default:
		d.err = fmt.Errorf("lzw: invalid code %d at width %d", code, d.width)
		return
	}

	if d.prev != nil {
		d.table[d.slot] = extend(d.prev, entry[0])
	}
	d.out = append(d.out, entry...)
	d.prev = entry

	d.slot = len(d.table)
	d.table = append(d.table, nil)
	d.next++
	if d.next == 1<<d.width {
		if d.width >= d.maxWidth {
			d.err = constants.ErrCapacityExceeded
			return
		}
		d.width++
	}
}

func extend(s []byte, c byte) []byte {
	out := make([]byte, len(s)+1)
	copy(out, s)
	out[len(s)] = c
	return out
}

// Compress packs data in one call.
func Compress(data []byte, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, opts...)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress unpacks a complete stream in one call.
func Decompress(data []byte, opts ...Option) ([]byte, error) {
	return io.ReadAll(NewDecoder(bytes.NewReader(data), opts...))
}

type bitWriter struct {
	acc uint64
	n   uint
	buf []byte
}

func (b *bitWriter) write(code uint32, width uint) {
	b.acc = b.acc<<width | uint64(code)
	b.n += width
	for b.n >= 8 {
		b.n -= 8
		b.buf = append(b.buf, byte(b.acc>>b.n))
	}
	b.acc &= 1<<b.n - 1
}

func (b *bitWriter) pad() {
	if b.n == 0 {
		return
	}
	b.buf = append(b.buf, byte(b.acc<<(8-b.n)))
	b.acc = 0
	b.n = 0
}

type bitReader struct {
	acc uint64
	n   uint
}

func (b *bitReader) read(r io.ByteReader, width uint) (uint32, error) {
	for b.n < width {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		b.acc = b.acc<<8 | uint64(c)
		b.n += 8
	}
	b.n -= width
	code := uint32(b.acc>>b.n) & (1<<width - 1)
	b.acc &= 1<<b.n - 1
	return code, nil
}
