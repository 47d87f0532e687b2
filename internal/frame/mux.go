package frame

// MuxConfig configures the auto-detecting assembler for one stream
// direction.
type MuxConfig struct {
	// Pinned disables auto-detection and routes every byte through the
	// named protocol's assembler.
	Pinned    Protocol
	MaxBuffer int
	Delimited DelimitedConfig
	Binary    BinaryConfig
}

// Mux is the per-direction entry point of the assembly stage. It buffers the
// incoming stream, selects an assembler using the detector's cached hint (or
// a fresh classification), and re-labels every emitted frame. Bytes that
// match no signature accumulate until the silence rule emits them as a raw
// hex-framed fallback.
type Mux struct {
	cfg  MuxConfig
	det  Detector
	acc  accumulator
	asms map[Protocol]Assembler
}

// NewMux returns an assembler multiplexer for one direction.
func NewMux(cfg MuxConfig) *Mux {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	return &Mux{
		cfg:  cfg,
		acc:  newAccumulator(cfg.MaxBuffer),
		asms: make(map[Protocol]Assembler),
	}
}

// Feed appends stream bytes and returns any frames they complete.
func (m *Mux) Feed(p []byte) []*Frame {
	m.acc.add(p)
	return m.run(false)
}

// Silence applies the inter-frame silence rule to the accumulating bytes.
// The bridge calls it once the line has been quiet for a full silence
// window.
func (m *Mux) Silence() []*Frame {
	return m.run(true)
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (m *Mux) Pending() int { return m.acc.pending() }

// Reset clears all assembly state, for use when a channel is reopened.
func (m *Mux) Reset() {
	m.acc.reset()
	for _, a := range m.asms {
		a.Reset()
	}
	m.det = Detector{}
}

func (m *Mux) run(silence bool) []*Frame {
	var out []*Frame
	for m.acc.pending() > 0 {
		proto := m.cfg.Pinned
		if proto == "" {
			proto = m.det.Choose(m.acc.buf)
		}
		if proto == Raw {
			if !silence {
				break
			}
			raw := cloneBytes(m.acc.buf)
			m.acc.reset()
			out = append(out, ParseRaw(raw))
			break
		}
		asm := m.assembler(proto)
		asm.Reset()
		frames := asm.Feed(m.acc.buf)
		if silence {
			frames = append(frames, asm.Silence()...)
		}
		consumed := m.acc.pending() - asm.Pending()
		if consumed > 0 {
			m.acc.consume(consumed)
		}
		for _, f := range frames {
			m.det.Observe(f.Protocol, f.Valid)
		}
		out = append(out, frames...)
		if consumed == 0 {
			break
		}
	}
	if f := m.acc.drainOverflow(Raw); f != nil {
		out = append(out, f)
	}
	return out
}

func (m *Mux) assembler(p Protocol) Assembler {
	if a, ok := m.asms[p]; ok {
		return a
	}
	var a Assembler
	switch p {
	case ModbusRTU:
		a = NewRTUAssembler(m.cfg.MaxBuffer)
	case ModbusASCII:
		a = NewASCIIAssembler(m.cfg.MaxBuffer)
	case NMEA0183:
		a = NewNMEAAssembler(m.cfg.MaxBuffer)
	case ASCIIDelimited:
		a = NewDelimitedAssembler(m.cfg.Delimited, m.cfg.MaxBuffer)
	default:
		a = NewBinaryAssembler(m.cfg.Binary, m.cfg.MaxBuffer)
	}
	m.asms[p] = a
	return a
}
