package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
)

// MessageType is the leading byte of every frame.
type MessageType byte

const (
	TypeDatabaseInit MessageType = iota
	TypeRecordAdd
	TypeRecordLock
	TypeRecordRemove
	TypeRecordReplace
	TypeRecordUnlock
	TypeTextInsert
)

func (t MessageType) String() string {
	switch t {
	case TypeDatabaseInit:
		return "DatabaseInit"
	case TypeRecordAdd:
		return "RecordAdd"
	case TypeRecordLock:
		return "RecordLock"
	case TypeRecordRemove:
		return "RecordRemove"
	case TypeRecordReplace:
		return "RecordReplace"
	case TypeRecordUnlock:
		return "RecordUnlock"
	case TypeTextInsert:
		return "TextInsert"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Message is one decoded frame. The concrete types are DatabaseInit, RecordAdd, RecordLock,
// RecordRemove, RecordReplace, RecordUnlock and TextInsert.
type Message interface {
	Type() MessageType
	// Record is the index the message addresses. It is zero for messages that do not
	// address a single record.
	Record() int32

	fields() []string
}

// DatabaseInit carries a full serialized store. Servers send it once to every new peer.
type DatabaseInit struct {
	Snapshot []byte
}

type RecordAdd struct {
	Index int32
	Text  string
}

type RecordLock struct {
	Index int32
}

type RecordRemove struct {
	Index int32
}

// RecordReplace is a store-wide find and replace.
type RecordReplace struct {
	Index int32
	Old   string
	New   string
}

type RecordUnlock struct {
	Index int32
}

// TextInsert carries the full new text of a record.
type TextInsert struct {
	Index int32
	Text  string
}

func (DatabaseInit) Type() MessageType  { return TypeDatabaseInit }
func (RecordAdd) Type() MessageType     { return TypeRecordAdd }
func (RecordLock) Type() MessageType    { return TypeRecordLock }
func (RecordRemove) Type() MessageType  { return TypeRecordRemove }
func (RecordReplace) Type() MessageType { return TypeRecordReplace }
func (RecordUnlock) Type() MessageType  { return TypeRecordUnlock }
func (TextInsert) Type() MessageType    { return TypeTextInsert }

func (DatabaseInit) Record() int32    { return 0 }
func (m RecordAdd) Record() int32     { return m.Index }
func (m RecordLock) Record() int32    { return m.Index }
func (m RecordRemove) Record() int32  { return m.Index }
func (m RecordReplace) Record() int32 { return m.Index }
func (m RecordUnlock) Record() int32  { return m.Index }
func (m TextInsert) Record() int32    { return m.Index }

func (m DatabaseInit) fields() []string  { return []string{string(m.Snapshot)} }
func (m RecordAdd) fields() []string     { return []string{m.Text} }
func (RecordLock) fields() []string      { return nil }
func (RecordRemove) fields() []string    { return nil }
func (m RecordReplace) fields() []string { return []string{m.Old, m.New} }
func (RecordUnlock) fields() []string    { return nil }
func (m TextInsert) fields() []string    { return []string{m.Text} }

// fieldCount is the number of length-prefixed payloads that follow the index.
func fieldCount(t MessageType) (int, bool) {
	switch t {
	case TypeRecordLock, TypeRecordRemove, TypeRecordUnlock:
		return 0, true
	case TypeDatabaseInit, TypeRecordAdd, TypeTextInsert:
		return 1, true
	case TypeRecordReplace:
		return 2, true
	default:
		return 0, false
	}
}

// Encode frames m: a type byte, the big-endian record index, then every payload with its
// own big-endian length.
func Encode(m Message) []byte {
	fields := m.fields()
	size := 5
	for _, f := range fields {
		size += 4 + len(f)
	}

	frame := make([]byte, 5, size)
	frame[0] = byte(m.Type())
	binary.BigEndian.PutUint32(frame[1:5], uint32(m.Record()))
	for _, f := range fields {
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(f)))
		frame = append(frame, f...)
	}
	return frame
}

// ReadFrame reads one frame from r. Besides the decoded message it returns the raw frame
// so a server can rebroadcast it unchanged. An unknown type byte leaves the stream
// unframed and is reported as constants.ErrUnknownMessage.
func ReadFrame(r io.Reader) (Message, []byte, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, nil, err
	}

	t := MessageType(head[0])
	count, ok := fieldCount(t)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", constants.ErrUnknownMessage, head[0])
	}
	index := int32(binary.BigEndian.Uint32(head[1:5]))

	raw := bytes.NewBuffer(head[:])
	fields := make([][]byte, count)
	for i := range fields {
		var size [4]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return nil, nil, unexpected(err)
		}
		n := binary.BigEndian.Uint32(size[:])
		if n > constants.MaxFrameField {
			return nil, nil, fmt.Errorf("%w: %s field of %d bytes", constants.ErrFrameTooLarge, t, n)
		}

		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return nil, nil, unexpected(err)
		}
		raw.Write(size[:])
		raw.Write(fields[i])
	}

	return decode(t, index, fields), raw.Bytes(), nil
}

func decode(t MessageType, index int32, fields [][]byte) Message {
	switch t {
	case TypeDatabaseInit:
		return DatabaseInit{Snapshot: fields[0]}
	case TypeRecordAdd:
		return RecordAdd{Index: index, Text: string(fields[0])}
	case TypeRecordLock:
		return RecordLock{Index: index}
	case TypeRecordRemove:
		return RecordRemove{Index: index}
	case TypeRecordReplace:
		return RecordReplace{Index: index, Old: string(fields[0]), New: string(fields[1])}
	case TypeRecordUnlock:
		return RecordUnlock{Index: index}
	default:
		return TextInsert{Index: index, Text: string(fields[0])}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Apply performs m on store through the regular store operations.
func Apply(store *records.Store, m Message) error {
	switch m := m.(type) {
	case DatabaseInit:
		return store.UnmarshalBinary(m.Snapshot)
	case RecordAdd:
		store.CreateRecord(m.Text)
		return nil
	case RecordLock:
		return store.Lock(int(m.Index))
	case RecordRemove:
		return store.DeleteRecord(int(m.Index))
	case RecordReplace:
		store.Replace(m.Old, m.New)
		return nil
	case RecordUnlock:
		return store.Unlock(int(m.Index))
	case TextInsert:
		return store.CreateRevision(int(m.Index), m.Text)
	default:
		return fmt.Errorf("%w: %T", constants.ErrUnknownMessage, m)
	}
}
