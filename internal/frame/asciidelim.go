package frame

import (
	"bytes"
	"fmt"
	"strings"
)

// DelimitedConfig controls how ASCII-delimited records are terminated.
// Terminator ends a record when seen (newline by default). When Count is
// positive, a record instead completes immediately after the Count-th
// occurrence of Separator, which supports fixed-column CSV, semicolon and
// pipe formats that do not carry a line terminator.
type DelimitedConfig struct {
	Terminator byte
	Separator  byte
	Count      int
}

func (c DelimitedConfig) withDefaults() DelimitedConfig {
	if c.Terminator == 0 {
		c.Terminator = '\n'
	}
	return c
}

var autoDelimiters = []byte{',', ';', '|', '\t'}

// ParseASCIIDelimited splits raw on its delimiter. There is no integrity
// field; any decodable record is valid.
func ParseASCIIDelimited(raw []byte) *Frame {
	f := &Frame{Protocol: ASCIIDelimited, Raw: raw}
	text := strings.TrimRight(string(raw), "\r\n")
	var delim byte
	for _, d := range autoDelimiters {
		if strings.IndexByte(text, d) >= 0 {
			delim = d
			break
		}
	}
	var fields []string
	if delim != 0 {
		fields = strings.Split(text, string(delim))
		f.addField("delimiter", string(delim))
	} else {
		fields = []string{text}
		f.addField("delimiter", "none")
	}
	f.addField("field_count", fmt.Sprintf("%d", len(fields)))
	f.addField("fields", strings.Join(fields, ","))
	f.addField("text", text)
	f.Valid = true
	return f
}

// DelimitedAssembler reconstructs ASCII records ended by a configured
// terminator or separator count.
type DelimitedAssembler struct {
	acc accumulator
	cfg DelimitedConfig
}

func NewDelimitedAssembler(cfg DelimitedConfig, maxBuffer int) *DelimitedAssembler {
	return &DelimitedAssembler{acc: newAccumulator(maxBuffer), cfg: cfg.withDefaults()}
}

func (a *DelimitedAssembler) Protocol() Protocol { return ASCIIDelimited }

func (a *DelimitedAssembler) Pending() int { return a.acc.pending() }

func (a *DelimitedAssembler) Reset() { a.acc.reset() }

func (a *DelimitedAssembler) Feed(p []byte) []*Frame {
	a.acc.add(p)
	var out []*Frame
	for {
		end := a.recordEnd()
		if end < 0 {
			break
		}
		raw := cloneBytes(a.acc.buf[:end])
		a.acc.consume(end)
		out = append(out, ParseASCIIDelimited(raw))
	}
	if f := a.acc.drainOverflow(ASCIIDelimited); f != nil {
		out = append(out, f)
	}
	return out
}

func (a *DelimitedAssembler) Silence() []*Frame {
	if a.acc.pending() == 0 {
		return nil
	}
	raw := cloneBytes(a.acc.buf)
	a.acc.reset()
	return []*Frame{invalidFrame(ASCIIDelimited, raw, "timed out before record terminator")}
}

// recordEnd returns the exclusive end offset of a complete record at the
// start of the buffer, or -1.
func (a *DelimitedAssembler) recordEnd() int {
	if a.cfg.Count > 0 && a.cfg.Separator != 0 {
		seen := 0
		for i, b := range a.acc.buf {
			if b == a.cfg.Separator {
				seen++
				if seen == a.cfg.Count {
					return i + 1
				}
			}
		}
		return -1
	}
	if i := bytes.IndexByte(a.acc.buf, a.cfg.Terminator); i >= 0 {
		return i + 1
	}
	return -1
}
