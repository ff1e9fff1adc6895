package records

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// NoTruncation is the start index of a revision that only appends.
const NoTruncation = -1

// Revision is an immutable patch: truncate the previous text at StartIndex, then append
// Substring.
type Revision struct {
	created    time.Time
	startIndex int
	substring  string
	uuid       uuid.UUID
}

func (r Revision) Created() time.Time { return r.created }
func (r Revision) StartIndex() int    { return r.startIndex }
func (r Revision) Substring() string  { return r.substring }
func (r Revision) UUID() uuid.UUID    { return r.uuid }

func (r Revision) apply(text string) string {
	if r.startIndex >= 0 && r.startIndex < len(text) {
		text = text[:r.startIndex]
	}
	return text + r.substring
}

// Record is one note: its initial text and the revisions applied to it since.
type Record struct {
	index      int
	initial    string
	revisions  []Revision
	created    time.Time
	lastChange time.Time
	locked     bool
	uuid       uuid.UUID
}

func (r *Record) Index() int            { return r.index }
func (r *Record) Initial() string       { return r.initial }
func (r *Record) Created() time.Time    { return r.created }
func (r *Record) LastChange() time.Time { return r.lastChange }
func (r *Record) Locked() bool          { return r.locked }
func (r *Record) UUID() uuid.UUID       { return r.uuid }
func (r *Record) RevisionCount() int    { return len(r.revisions) }

// Revisions returns a copy of the revision chain, oldest first.
func (r *Record) Revisions() []Revision {
	out := make([]Revision, len(r.revisions))
	copy(out, r.revisions)
	return out
}

// Reconstruct replays the initial text through all but the newest skip revisions.
// Reconstruct(0) is the current text and Reconstruct(RevisionCount()) the initial one.
func (r *Record) Reconstruct(skip int) string {
	if skip < 0 {
		skip = 0
	}
	n := len(r.revisions) - skip
	text := r.initial
	for i := 0; i < n; i++ {
		text = r.revisions[i].apply(text)
	}
	return text
}

// Current is the text as of the last change.
func (r *Record) Current() string {
	return r.Reconstruct(0)
}

// TextAt reconstructs the text as it was at t. It is empty before the record existed.
func (r *Record) TextAt(t time.Time) string {
	if t.Before(r.created) {
		return ""
	}
	text := r.initial
	for _, rev := range r.revisions {
		if rev.created.After(t) {
			break
		}
		text = rev.apply(text)
	}
	return text
}

func (r *Record) touch() {
	r.lastChange = r.created
	if n := len(r.revisions); n > 0 && r.revisions[n-1].created.After(r.lastChange) {
		r.lastChange = r.revisions[n-1].created
	}
}

func (r *Record) clear() {
	r.initial = ""
	r.revisions = nil
	r.locked = false
}

// commonPrefix returns the length in bytes of the longest shared prefix of a and b that
// ends on a rune boundary of both.
func commonPrefix(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	for i > 0 && (i < len(a) && !utf8.RuneStart(a[i]) || i < len(b) && !utf8.RuneStart(b[i])) {
		i--
	}
	return i
}

// foldPattern matches old ignoring case, including letters whose folded forms differ in
// byte length.
func foldPattern(old string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(old))
}

// replaceFold replaces every match of pattern in s with repl taken literally. It returns the
// new text and the number of replacements.
func replaceFold(s string, pattern *regexp.Regexp, repl string) (string, int) {
	count := len(pattern.FindAllStringIndex(s, -1))
	if count == 0 {
		return s, 0
	}
	return pattern.ReplaceAllLiteralString(s, repl), count
}
