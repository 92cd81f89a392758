package decoding

// maxRetainedScratch caps how much memory the arena keeps between records.
// A larger slab is dropped on reset instead of being reused.
const maxRetainedScratch = 1 << 20

// scratch is the per-record arena. Text produced by type output functions and
// values fetched by the Detoaster live here until the record is flushed.
type scratch struct {
	buf    []byte
	datums []Datum
}

func newScratch() *scratch {
	return &scratch{buf: make([]byte, 0, 4096)}
}

// text runs fn and returns the text it appended.
func (s *scratch) text(fn OutputFunc, d Datum) []byte {
	start := len(s.buf)
	s.buf = fn(s.buf, d)
	return s.buf[start:len(s.buf):len(s.buf)]
}

// hold keeps a fetched value alive until the next reset.
func (s *scratch) hold(d Datum) Datum {
	s.datums = append(s.datums, d)
	return d
}

func (s *scratch) reset() {
	if cap(s.buf) > maxRetainedScratch {
		s.buf = make([]byte, 0, 4096)
	} else {
		s.buf = s.buf[:0]
	}
	for i := range s.datums {
		s.datums[i] = nil
	}
	s.datums = s.datums[:0]
}
