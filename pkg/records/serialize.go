package records

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/sidb"
)

// Serialize writes the store to w using its current format. Before a compressed format is
// used the record set is written in memory at the newest format and read back; if the LZW
// code space runs out the store drops to the matching uncompressed format for the rest of
// its life.
func (s *Store) Serialize(w io.Writer) error {
	format, err := s.saveFormat()
	if err != nil {
		return err
	}

	sw, err := sidb.NewWriter(w, format, s.codec...)
	if err != nil {
		return err
	}
	if err := s.encode(sw); err != nil {
		sw.Close()
		return s.writeFailed(err)
	}
	if err := sw.Close(); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

// MarshalBinary serializes the store into memory. The result is also the payload of the
// snapshot sent to newly joined peers.
func (s *Store) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := s.Serialize(&buf)
	if errors.Is(err, constants.ErrCapacityExceeded) {
		buf.Reset()
		err = s.Serialize(&buf)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) UnmarshalBinary(data []byte) error {
	return s.Deserialize(bytes.NewReader(data))
}

// writeFailed demotes the store when the cached compression test no longer holds for the
// grown record set. The caller may retry.
func (s *Store) writeFailed(err error) error {
	if errors.Is(err, constants.ErrCapacityExceeded) {
		s.demote()
	}
	return fmt.Errorf("records: serialize: %w", err)
}

func (s *Store) saveFormat() (byte, error) {
	caps, ok := sidb.CapabilitiesOf(s.format)
	if !ok {
		return 0, &sidb.FormatError{Format: s.format}
	}
	if !caps.Compressed {
		return s.format, nil
	}

	// The test always runs at the newest format, whatever the store saves with.
	err := s.probe.Run(constants.MaxFormat, s.encode, s.verify, s.codec...)
	switch {
	case err == nil:
		return s.format, nil
	case errors.Is(err, constants.ErrCapacityExceeded):
		s.demote()
		return s.format, nil
	default:
		return 0, fmt.Errorf("records: compression test: %w", err)
	}
}

func (s *Store) demote() {
	to := sidb.Uncompressed(s.format)
	s.log.Warn("compression capacity exceeded, saving uncompressed", "from", s.format, "to", to)
	s.format = to
	s.probe.Clear()
}

// verify reads a probe stream back and checks that every record survived.
func (s *Store) verify(r *sidb.Reader) error {
	scratch := &Store{log: s.log}
	if err := scratch.decode(r); err != nil {
		return err
	}
	if scratch.Count() != s.Count() {
		return fmt.Errorf("records: compression test read %d of %d records", scratch.Count(), s.Count())
	}
	return nil
}

func (s *Store) encode(w *sidb.Writer) error {
	caps := w.Caps()
	if caps.RevisionUUIDs {
		w.WriteShortString(s.uuid.String())
	}
	if !caps.Headless {
		w.WriteString(s.name)
	}

	byIndex := s.Records()
	sort.SliceStable(byIndex, func(i, j int) bool { return byIndex[i].index < byIndex[j].index })

	if err := w.WriteInt32(int32(len(byIndex))); err != nil {
		return err
	}
	for _, r := range byIndex {
		if err := encodeRecord(w, caps, r); err != nil {
			return err
		}
	}
	return nil
}

// Writer errors are sticky, so checking the last field of each group is enough.
func encodeRecord(w *sidb.Writer, caps sidb.Capabilities, r *Record) error {
	if caps.RecordUUIDs {
		w.WriteShortString(r.uuid.String())
	}
	w.WriteLong(r.created.UnixNano())
	w.WriteInt32(int32(r.index))
	w.WriteString(r.initial)
	w.WriteLong(r.lastChange.UnixNano())
	if err := w.WriteInt32(int32(len(r.revisions))); err != nil {
		return err
	}

	for _, rev := range r.revisions {
		if caps.RevisionUUIDs {
			w.WriteShortString(rev.uuid.String())
		}
		w.WriteLong(rev.created.UnixNano())
		w.WriteInt32(int32(rev.startIndex))
		if err := w.WriteString(rev.substring); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize replaces the contents of the store with the stream read from r. Streams
// written by a newer format are rejected and leave the store untouched. A stream that ends
// early keeps every complete record read so far.
func (s *Store) Deserialize(r io.Reader) error {
	sr, err := sidb.NewReader(r, s.codec...)
	if err != nil {
		return err
	}

	loaded := &Store{uuid: s.uuid, name: s.name, log: s.log}
	if err := loaded.decode(sr); err != nil {
		if loaded.Count() == 0 {
			return err
		}
		s.log.Warn("database stream ended early", "records", loaded.Count(), "error", err)
	}

	s.records = loaded.records
	s.uuid = loaded.uuid
	s.name = loaded.name
	s.format = sr.Caps().Format
	s.probe.Clear()
	s.words = nil
	s.changed = false
	for _, rec := range s.records {
		if rec.lastChange.After(s.last) {
			s.last = rec.lastChange
		}
	}
	return nil
}

func (s *Store) decode(r *sidb.Reader) error {
	caps := r.Caps()
	if caps.RevisionUUIDs {
		if v, ok := r.ReadShortString(); ok {
			if id, err := uuid.Parse(v); err == nil {
				s.uuid = id
			}
		}
	}
	if !caps.Headless {
		if v, ok := r.ReadString(); ok {
			s.name = v
		}
	}

	count, ok := r.ReadInt32()
	if !ok {
		return streamError(r, "record count")
	}
	for i := 0; i < int(count); i++ {
		rec, err := decodeRecord(r, caps, i)
		if err != nil {
			return err
		}
		s.records = append(s.records, rec)
	}
	return nil
}

// decodeRecord leaves a field at its default when it fails to parse and only gives up when
// the stream itself fails.
func decodeRecord(r *sidb.Reader, caps sidb.Capabilities, position int) (*Record, error) {
	rec := &Record{index: position, uuid: uuid.New()}
	if caps.RecordUUIDs {
		if v, ok := r.ReadShortString(); ok {
			if id, err := uuid.Parse(v); err == nil {
				rec.uuid = id
			}
		}
	}
	if v, ok := r.ReadLong(); ok {
		rec.created = time.Unix(0, v)
	}
	if v, ok := r.ReadInt32(); ok {
		rec.index = int(v)
	}
	if v, ok := r.ReadString(); ok {
		rec.initial = v
	}
	if v, ok := r.ReadLong(); ok {
		rec.lastChange = time.Unix(0, v)
	}
	revisions, _ := r.ReadInt32()
	if r.Err() != nil {
		return nil, streamError(r, "record header")
	}

	for i := 0; i < int(revisions); i++ {
		rev := Revision{startIndex: NoTruncation, uuid: uuid.New()}
		if caps.RevisionUUIDs {
			if v, ok := r.ReadShortString(); ok {
				if id, err := uuid.Parse(v); err == nil {
					rev.uuid = id
				}
			}
		}
		if v, ok := r.ReadLong(); ok {
			rev.created = time.Unix(0, v)
		}
		if v, ok := r.ReadInt32(); ok {
			rev.startIndex = int(v)
		}
		if v, ok := r.ReadString(); ok {
			rev.substring = v
		}
		if r.Err() != nil {
			return nil, streamError(r, "revision")
		}
		rec.revisions = append(rec.revisions, rev)
	}

	if rec.lastChange.IsZero() {
		rec.touch()
	}
	return rec, nil
}

func streamError(r *sidb.Reader, field string) error {
	err := r.Err()
	if err == nil {
		return fmt.Errorf("records: malformed %s", field)
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("records: reading %s: %w", field, err)
}
