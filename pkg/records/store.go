// Package records is the versioned note model: an ordered set of records, each with an
// append-only chain of prefix-diff revisions, persisted in the SIDB format.
//
// A Store is not safe for concurrent use. Callers that share one, such as a database with
// an active replication role, serialize access through a single owner goroutine.
package records

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/sidb"
)

type SortMode int

const (
	ByIndex SortMode = iota
	ByLastChange
	ByCreated
)

func (m SortMode) String() string {
	switch m {
	case ByIndex:
		return "index"
	case ByLastChange:
		return "last-change"
	case ByCreated:
		return "created"
	default:
		return fmt.Sprintf("SortMode(%d)", int(m))
	}
}

type Store struct {
	records []*Record
	format  byte
	uuid    uuid.UUID
	name    string
	changed bool

	words map[string]float64
	probe sidb.Probe
	codec []sidb.Option

	now  func() time.Time
	last time.Time
	log  logger.Logger
}

type Option func(s *Store)

// WithFormat sets the format used by Serialize. Unsupported values are ignored.
func WithFormat(format byte) Option {
	return func(s *Store) {
		if _, ok := sidb.CapabilitiesOf(format); ok {
			s.format = format
		}
	}
}

func WithName(name string) Option {
	return func(s *Store) {
		s.name = name
	}
}

// WithClock replaces time.Now as the source of record and revision timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithCodecOptions is passed to every SIDB reader and writer the store opens.
func WithCodecOptions(opts ...sidb.Option) Option {
	return func(s *Store) {
		s.codec = append(s.codec, opts...)
	}
}

// NewStore returns an empty store that saves with the newest format.
func NewStore(opts ...Option) *Store {
	s := &Store{
		format: constants.MaxFormat,
		uuid:   uuid.New(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	return s
}

// stamp returns a timestamp strictly after every one handed out before, so timestamps
// can serve as identities and sort keys.
func (s *Store) stamp() time.Time {
	t := s.now().Round(0)
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *Store) dirty() {
	s.changed = true
	s.words = nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) SetName(name string) {
	if name != s.name {
		s.name = name
		s.changed = true
	}
}

func (s *Store) UUID() uuid.UUID { return s.uuid }

func (s *Store) Format() byte { return s.format }

// SetFormat changes the format used by the next Serialize and forgets any earlier
// compression test.
func (s *Store) SetFormat(format byte) error {
	if _, ok := sidb.CapabilitiesOf(format); !ok {
		return &sidb.FormatError{Format: format}
	}
	s.format = format
	s.probe.Clear()
	return nil
}

// Changed reports whether the store was mutated since it was loaded or last saved.
func (s *Store) Changed() bool { return s.changed }

func (s *Store) MarkSaved() { s.changed = false }

// MarkChanged flags the store as holding unsaved changes, as after loading a recovery copy.
func (s *Store) MarkChanged() { s.changed = true }

func (s *Store) Count() int { return len(s.records) }

// Records returns the records in their current display order.
func (s *Store) Records() []*Record {
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) position(index int) int {
	if index >= 0 && index < len(s.records) && s.records[index].index == index {
		return index
	}
	for i, r := range s.records {
		if r.index == index {
			return i
		}
	}
	return -1
}

// Record looks a record up by its index.
func (s *Store) Record(index int) (*Record, bool) {
	pos := s.position(index)
	if pos < 0 {
		return nil, false
	}
	return s.records[pos], true
}

func (s *Store) RecordByUUID(id uuid.UUID) (*Record, bool) {
	for _, r := range s.records {
		if r.uuid == id {
			return r, true
		}
	}
	return nil, false
}

func (s *Store) lookup(index int) (*Record, error) {
	r, ok := s.Record(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", constants.ErrRecordNotFound, index)
	}
	return r, nil
}

// CreateRecord appends a record holding text and returns its index.
func (s *Store) CreateRecord(text string) int {
	now := s.stamp()
	r := &Record{
		index:      len(s.records),
		initial:    text,
		created:    now,
		lastChange: now,
		uuid:       uuid.New(),
	}
	s.records = append(s.records, r)
	s.dirty()
	return r.index
}

// CreateRevision records the edit from the current text of a record to text as a single
// prefix diff. Identical text is a no-op.
func (s *Store) CreateRevision(index int, text string) error {
	r, err := s.lookup(index)
	if err != nil {
		return err
	}
	s.revise(r, text)
	return nil
}

func (s *Store) revise(r *Record, text string) bool {
	current := r.Current()
	if current == text {
		return false
	}

	start := commonPrefix(current, text)
	r.revisions = append(r.revisions, Revision{
		created:    s.stamp(),
		startIndex: start,
		substring:  text[start:],
		uuid:       uuid.New(),
	})
	r.touch()
	s.dirty()
	return true
}

// DeleteRecord removes a record and closes the gap it leaves in the index sequence.
func (s *Store) DeleteRecord(index int) error {
	pos := s.position(index)
	if pos < 0 {
		return fmt.Errorf("%w: index %d", constants.ErrRecordNotFound, index)
	}

	s.records[pos].clear()
	s.records = append(s.records[:pos], s.records[pos+1:]...)
	for _, r := range s.records {
		if r.index > index {
			r.index--
		}
	}
	s.dirty()
	return nil
}

// Replace substitutes every case-insensitive occurrence of old with repl across all
// records. Each affected record gets one revision.
func (s *Store) Replace(old, repl string) (occurrences, affected int) {
	if old == "" {
		return 0, 0
	}
	pattern := foldPattern(old)
	for _, r := range s.records {
		text, n := replaceFold(r.Current(), pattern, repl)
		if n == 0 {
			continue
		}
		if s.revise(r, text) {
			occurrences += n
			affected++
		}
	}
	return occurrences, affected
}

// Revert discards every record created after target and every revision made after it.
// The discarded history is gone for good.
func (s *Store) Revert(target time.Time) {
	removed := false
	kept := s.records[:0]
	for _, r := range s.records {
		if r.created.After(target) {
			r.clear()
			removed = true
			continue
		}
		n := len(r.revisions)
		for n > 0 && r.revisions[n-1].created.After(target) {
			n--
		}
		if n < len(r.revisions) {
			r.revisions = r.revisions[:n]
			r.touch()
			removed = true
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = nil
	}
	s.records = kept

	if removed {
		s.compactIndices()
		s.dirty()
	}
}

// compactIndices renumbers records to 0..n-1 keeping their relative index order.
func (s *Store) compactIndices() {
	byIndex := s.Records()
	sort.SliceStable(byIndex, func(i, j int) bool { return byIndex[i].index < byIndex[j].index })
	for i, r := range byIndex {
		r.index = i
	}
}

// Sort reorders the records for display. Indices are left alone; see PropagateIndices.
func (s *Store) Sort(mode SortMode) {
	var less func(a, b *Record) bool
	switch mode {
	case ByLastChange:
		less = func(a, b *Record) bool { return a.lastChange.After(b.lastChange) }
	case ByCreated:
		less = func(a, b *Record) bool { return a.created.After(b.created) }
	default:
		less = func(a, b *Record) bool { return a.index < b.index }
	}
	sort.SliceStable(s.records, func(i, j int) bool { return less(s.records[i], s.records[j]) })
}

// PropagateIndices renumbers every record to its position in the current order.
func (s *Store) PropagateIndices() {
	for i, r := range s.records {
		if r.index != i {
			r.index = i
			s.changed = true
		}
	}
}

func (s *Store) Lock(index int) error {
	return s.setLocked(index, true)
}

func (s *Store) Unlock(index int) error {
	return s.setLocked(index, false)
}

func (s *Store) setLocked(index int, locked bool) error {
	r, err := s.lookup(index)
	if err != nil {
		return err
	}
	r.locked = locked
	return nil
}

// Find returns the indices of records whose current text contains query, ignoring case.
func (s *Store) Find(query string) []int {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)
	var out []int
	for _, r := range s.records {
		if strings.Contains(strings.ToLower(r.Current()), needle) {
			out = append(out, r.index)
		}
	}
	return out
}

// TextAt reconstructs the text of a record as of t.
func (s *Store) TextAt(index int, t time.Time) (string, error) {
	r, err := s.lookup(index)
	if err != nil {
		return "", err
	}
	return r.TextAt(t), nil
}

// Reset drops every record. The store keeps its name, format and UUID.
func (s *Store) Reset() {
	for _, r := range s.records {
		r.clear()
	}
	s.records = nil
	s.dirty()
}
