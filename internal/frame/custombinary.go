package frame

import (
	"bytes"
	"fmt"

	"example.com/linetap/internal/common"
)

// BinaryConfig controls how unstructured binary streams are chunked into
// frames. FixedLength takes precedence, then a StartMarker/EndMarker pair.
// With neither configured the stream is chunked by the caller's inter-byte
// silence heuristic, the same rule Modbus RTU uses.
type BinaryConfig struct {
	FixedLength int
	StartMarker []byte
	EndMarker   []byte
}

// ParseCustomBinary produces a hex-dump view of an opaque binary frame,
// noting any repeating byte runs it recognizes.
func ParseCustomBinary(raw []byte) *Frame {
	f := &Frame{Protocol: CustomBinary, Raw: raw}
	f.addField("length", fmt.Sprintf("%d", len(raw)))
	f.addField("hex_dump", common.HexDump(raw))
	f.addField("ascii_repr", common.ASCIIRepr(raw))
	if runs := repeatingRuns(raw); runs != "" {
		f.addField("repeating_patterns", runs)
	}
	f.Valid = true
	return f
}

// repeatingRuns describes consecutive runs of four or more identical bytes,
// e.g. "0xFF x8 @0; 0x00 x4 @12".
func repeatingRuns(raw []byte) string {
	const minRun = 4
	var out []byte
	i := 0
	for i < len(raw) {
		j := i + 1
		for j < len(raw) && raw[j] == raw[i] {
			j++
		}
		if j-i >= minRun {
			if len(out) > 0 {
				out = append(out, "; "...)
			}
			out = append(out, fmt.Sprintf("0x%02X x%d @%d", raw[i], j-i, i)...)
		}
		i = j
	}
	return string(out)
}

// BinaryAssembler reconstructs frames from a stream with no structural
// markers of its own.
type BinaryAssembler struct {
	acc accumulator
	cfg BinaryConfig
}

func NewBinaryAssembler(cfg BinaryConfig, maxBuffer int) *BinaryAssembler {
	return &BinaryAssembler{acc: newAccumulator(maxBuffer), cfg: cfg}
}

func (a *BinaryAssembler) Protocol() Protocol { return CustomBinary }

func (a *BinaryAssembler) Pending() int { return a.acc.pending() }

func (a *BinaryAssembler) Reset() { a.acc.reset() }

func (a *BinaryAssembler) Feed(p []byte) []*Frame {
	a.acc.add(p)
	var out []*Frame
	switch {
	case a.cfg.FixedLength > 0:
		for a.acc.pending() >= a.cfg.FixedLength {
			raw := cloneBytes(a.acc.buf[:a.cfg.FixedLength])
			a.acc.consume(a.cfg.FixedLength)
			out = append(out, ParseCustomBinary(raw))
		}
	case len(a.cfg.StartMarker) > 0 && len(a.cfg.EndMarker) > 0:
		for {
			start := bytes.Index(a.acc.buf, a.cfg.StartMarker)
			if start < 0 {
				break
			}
			if start > 0 {
				// Bytes ahead of the start marker are emitted as a raw
				// frame so they still reach the log and the far end.
				noise := cloneBytes(a.acc.buf[:start])
				a.acc.consume(start)
				out = append(out, ParseRaw(noise))
			}
			end := bytes.Index(a.acc.buf[len(a.cfg.StartMarker):], a.cfg.EndMarker)
			if end < 0 {
				break
			}
			frameLen := len(a.cfg.StartMarker) + end + len(a.cfg.EndMarker)
			raw := cloneBytes(a.acc.buf[:frameLen])
			a.acc.consume(frameLen)
			out = append(out, ParseCustomBinary(raw))
		}
	default:
		// Silence-chunked: bytes accumulate until the line goes quiet.
	}
	if f := a.acc.drainOverflow(CustomBinary); f != nil {
		out = append(out, f)
	}
	return out
}

func (a *BinaryAssembler) Silence() []*Frame {
	if a.acc.pending() == 0 {
		return nil
	}
	raw := cloneBytes(a.acc.buf)
	a.acc.reset()
	if a.cfg.FixedLength > 0 || (len(a.cfg.StartMarker) > 0 && len(a.cfg.EndMarker) > 0) {
		return []*Frame{invalidFrame(CustomBinary, raw, "timed out before frame completed")}
	}
	return []*Frame{ParseCustomBinary(raw)}
}
