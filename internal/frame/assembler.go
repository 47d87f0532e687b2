package frame

import "fmt"

// DefaultMaxBuffer bounds how many bytes an assembler may accumulate before
// force-emitting the buffer as an invalid frame.
const DefaultMaxBuffer = 4096

// Assembler consumes a byte stream incrementally and produces complete
// candidate frames. Feed returns frames completed by the new bytes; Silence
// applies the protocol's inter-frame silence rule to whatever is still
// accumulating and must be called when the line has been quiet for at least
// one silence window. Both may return invalid frames; they never discard
// bytes silently.
type Assembler interface {
	Protocol() Protocol
	Feed(p []byte) []*Frame
	Silence() []*Frame
	Pending() int
	Reset()
}

// accumulator is the shared buffering state embedded by every assembler.
type accumulator struct {
	buf []byte
	max int
}

func newAccumulator(max int) accumulator {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	return accumulator{max: max}
}

func (a *accumulator) add(p []byte) {
	a.buf = append(a.buf, p...)
}

func (a *accumulator) consume(n int) {
	if n >= len(a.buf) {
		a.buf = a.buf[:0]
		return
	}
	a.buf = append(a.buf[:0], a.buf[n:]...)
}

func (a *accumulator) pending() int { return len(a.buf) }

func (a *accumulator) reset() { a.buf = a.buf[:0] }

// drainOverflow force-emits the buffer as an invalid frame once the maximum
// size is exceeded, so a stream that never completes cannot grow memory
// without bound.
func (a *accumulator) drainOverflow(proto Protocol) *Frame {
	if len(a.buf) <= a.max {
		return nil
	}
	raw := make([]byte, len(a.buf))
	copy(raw, a.buf)
	a.reset()
	return invalidFrame(proto, raw, fmt.Sprintf("assembly buffer exceeded %d bytes", a.max))
}

func invalidFrame(proto Protocol, raw []byte, reason string) *Frame {
	f := &Frame{Protocol: proto, Raw: raw, Err: reason}
	f.addField("length", fmt.Sprintf("%d", len(raw)))
	return f
}

func cloneBytes(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
