package sidb

// Probe runs a compression test once and remembers the outcome until cleared. A store keeps
// one Probe so repeated saves skip the cost of the test.
type Probe struct {
	done   bool
	err    error
	format byte
}

// Begin writes a throwaway stream with format through write and returns the encoded bytes.
func (p *Probe) Begin(format byte, write func(w *Writer) error, opts ...Option) ([]byte, error) {
	w, err := NewMemoryWriter(format, opts...)
	if err != nil {
		return nil, err
	}
	if err := write(w); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// End reads data back through read and records the outcome of the test.
func (p *Probe) End(data []byte, read func(r *Reader) error, opts ...Option) error {
	r, err := NewMemoryReader(data, opts...)
	if err == nil {
		err = read(r)
	}
	if err == nil {
		err = r.Err()
	}
	p.done = true
	p.err = err
	return err
}

// Run performs Begin and End, or returns the cached outcome of an earlier run.
func (p *Probe) Run(format byte, write func(w *Writer) error, read func(r *Reader) error, opts ...Option) error {
	if p.done {
		return p.err
	}

	p.format = format
	data, err := p.Begin(format, write, opts...)
	if err != nil {
		p.done = true
		p.err = err
		return err
	}
	return p.End(data, read, opts...)
}

// Clear forgets the cached outcome.
func (p *Probe) Clear() {
	p.done = false
	p.err = nil
	p.format = 0
}

// Done reports whether a test has completed since the last Clear.
func (p *Probe) Done() bool {
	return p.done
}

// Passed reports whether the last completed test succeeded.
func (p *Probe) Passed() bool {
	return p.done && p.err == nil
}

// Format is the format the cached test ran with, or zero when there is none.
func (p *Probe) Format() byte {
	if !p.done {
		return 0
	}
	return p.format
}
