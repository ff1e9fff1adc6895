package sidb

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

func TestCapabilityTable(t *testing.T) {
	cases := []struct {
		format byte
		want   Capabilities
	}{
		{1, Capabilities{Format: 1, Headless: true}},
		{2, Capabilities{Format: 2, Headless: true, Compressed: true}},
		{3, Capabilities{Format: 3}},
		{5, Capabilities{Format: 5, RecordUUIDs: true}},
		{7, Capabilities{Format: 7, RecordUUIDs: true, RevisionUUIDs: true}},
		{12, Capabilities{Format: 12, Compressed: true, RecordUUIDs: true, RevisionUUIDs: true}},
		{13, Capabilities{Format: 13, RecordUUIDs: true, RevisionUUIDs: true, ShortStrings: true}},
		{14, Capabilities{Format: 14, Compressed: true, RecordUUIDs: true, RevisionUUIDs: true, ShortStrings: true}},
	}

	for _, tc := range cases {
		got, ok := CapabilitiesOf(tc.format)
		require.True(t, ok, "format %d", tc.format)
		assert.Equal(t, tc.want, got, "format %d", tc.format)
	}

	_, ok := CapabilitiesOf(0)
	assert.False(t, ok)
	_, ok = CapabilitiesOf(constants.MaxFormat + 1)
	assert.False(t, ok)
}

func TestUncompressed(t *testing.T) {
	assert.Equal(t, byte(13), Uncompressed(14))
	assert.Equal(t, byte(13), Uncompressed(13))
	assert.Equal(t, byte(11), Uncompressed(12))
}

func writeFields(w *Writer) error {
	for _, step := range []func() error{
		func() error { return w.WriteInt32(-42) },
		func() error { return w.WriteLong(1700000000123456789) },
		func() error { return w.WriteString("") },
		func() error { return w.WriteString("héllo, wörld") },
		func() error { return w.WriteShortString("3f6c1f2e-0000-4000-8000-000000000000") },
		func() error { return w.WriteString(strings.Repeat("note ", 2000)) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func readFields(t *testing.T, r *Reader) {
	i, ok := r.ReadInt32()
	require.True(t, ok)
	assert.Equal(t, int32(-42), i)

	l, ok := r.ReadLong()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123456789), l)

	s, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "", s)

	s, ok = r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "héllo, wörld", s)

	s, ok = r.ReadShortString()
	require.True(t, ok)
	assert.Equal(t, "3f6c1f2e-0000-4000-8000-000000000000", s)

	s, ok = r.ReadString()
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("note ", 2000), s)

	_, ok = r.ReadString()
	assert.False(t, ok)
	assert.Error(t, r.Err())
}

func TestFieldsRoundTripEveryFormat(t *testing.T) {
	for f := byte(1); f <= constants.MaxFormat; f++ {
		w, err := NewMemoryWriter(f)
		require.NoError(t, err)
		require.NoError(t, writeFields(w))
		require.NoError(t, w.Close())

		data := w.Bytes()
		assert.Equal(t, []byte{'S', 'Y', 'L', ' ', f}, data[:5])

		r, err := NewMemoryReader(data)
		require.NoError(t, err, "format %d", f)
		assert.Equal(t, f, r.Caps().Format)
		readFields(t, r)
	}
}

func TestIntegersAreDecimalText(t *testing.T) {
	w, err := NewMemoryWriter(13)
	require.NoError(t, err)
	require.NoError(t, w.WriteInt32(1234))
	require.NoError(t, w.Close())
	assert.Equal(t, []byte{0, 4, '1', '2', '3', '4'}, w.Bytes()[5:])

	w, err = NewMemoryWriter(11)
	require.NoError(t, err)
	require.NoError(t, w.WriteInt32(7))
	require.NoError(t, w.Close())
	assert.Equal(t, []byte{0, 0, 0, 1, '7'}, w.Bytes()[5:])
}

func TestCompressionShrinksRepetitiveStreams(t *testing.T) {
	write := func(format byte) []byte {
		w, err := NewMemoryWriter(format)
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			require.NoError(t, w.WriteString("the same sentence again and again"))
		}
		require.NoError(t, w.Close())
		return w.Bytes()
	}

	assert.Less(t, len(write(14)), len(write(13))/3)
}

func TestShortStringTooLong(t *testing.T) {
	w, err := NewMemoryWriter(13)
	require.NoError(t, err)
	err = w.WriteShortString(strings.Repeat("x", 0x10000))
	require.ErrorIs(t, err, constants.ErrStringTooLong)
	assert.ErrorIs(t, w.WriteInt32(1), constants.ErrStringTooLong)

	// Formats without short strings take the long path.
	w, err = NewMemoryWriter(11)
	require.NoError(t, err)
	require.NoError(t, w.WriteShortString(strings.Repeat("x", 0x10000)))
}

func TestRejectsNewerFormat(t *testing.T) {
	data := []byte{'S', 'Y', 'L', ' ', constants.MaxFormat + 1, 0, 0, 0, 0}
	_, err := NewMemoryReader(data)
	require.ErrorIs(t, err, constants.ErrUnsupportedFormat)

	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, constants.MaxFormat+1, fe.Format)

	_, err = NewMemoryWriter(constants.MaxFormat + 1)
	assert.ErrorIs(t, err, constants.ErrUnsupportedFormat)
}

func TestRejectsBadMagic(t *testing.T) {
	_, err := NewMemoryReader([]byte("NOPE!"))
	assert.ErrorIs(t, err, constants.ErrBadMagic)

	_, err = NewMemoryReader([]byte("SY"))
	assert.ErrorIs(t, err, constants.ErrBadMagic)
}

func TestMalformedIntegerLeavesStreamUsable(t *testing.T) {
	w, err := NewMemoryWriter(13)
	require.NoError(t, err)
	require.NoError(t, w.WriteShortString("not a number"))
	require.NoError(t, w.WriteString("after"))
	require.NoError(t, w.Close())

	r, err := NewMemoryReader(w.Bytes())
	require.NoError(t, err)

	_, ok := r.ReadInt32()
	assert.False(t, ok)
	assert.NoError(t, r.Err())

	s, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "after", s)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.sidb")

	w, err := Create(path, 14)
	require.NoError(t, err)
	require.NoError(t, writeFields(w))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	readFields(t, r)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.sidb"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestProbeCachesOutcome(t *testing.T) {
	var p Probe
	calls := 0
	write := func(w *Writer) error {
		calls++
		return w.WriteString("probe")
	}
	read := func(r *Reader) error {
		_, _ = r.ReadString()
		return nil
	}

	require.NoError(t, p.Run(14, write, read))
	require.NoError(t, p.Run(14, write, read))
	assert.Equal(t, 1, calls)
	assert.True(t, p.Passed())
	assert.Equal(t, byte(14), p.Format())

	p.Clear()
	assert.False(t, p.Done())
	assert.Zero(t, p.Format())
	require.NoError(t, p.Run(14, write, read))
	assert.Equal(t, 2, calls)
}

func TestProbeReportsOverflow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	noise := make([]byte, 8192)
	rng.Read(noise)

	var p Probe
	err := p.Run(14,
		func(w *Writer) error { return w.WriteString(string(noise)) },
		func(r *Reader) error { return nil },
		WithMaxCodeWidth(10),
	)
	require.ErrorIs(t, err, constants.ErrCapacityExceeded)
	assert.True(t, p.Done())
	assert.False(t, p.Passed())
}

func TestWriterAfterClose(t *testing.T) {
	w, err := NewMemoryWriter(14)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteString("late"), constants.ErrClosed)
	assert.True(t, bytes.HasPrefix(w.Bytes(), []byte("SYL ")))
}
