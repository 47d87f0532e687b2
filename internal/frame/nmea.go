package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"example.com/linetap/internal/checksum"
)

// ParseNMEA interprets raw as a complete NMEA 0183 sentence
// ("$...*hh\r\n"). Sentences without a checksum marker are accepted as
// valid; there is simply nothing to verify.
func ParseNMEA(raw []byte) *Frame {
	f := &Frame{Protocol: NMEA0183, Raw: raw}
	if len(raw) < 3 || raw[0] != '$' || !bytes.HasSuffix(raw, crlf) {
		f.Err = "invalid NMEA framing"
		f.addField("length", fmt.Sprintf("%d", len(raw)))
		return f
	}
	sentence := string(raw[:len(raw)-2])
	body := sentence[1:]
	star := strings.LastIndexByte(sentence, '*')
	if star >= 0 {
		csText := sentence[star+1:]
		received, err := strconv.ParseUint(csText, 16, 8)
		if err != nil || len(csText) != 2 {
			f.Err = "malformed checksum field"
			f.addField("sentence", sentence)
			return f
		}
		calculated := checksum.XOR(raw[1:star])
		f.Valid = byte(received) == calculated
		if !f.Valid {
			f.Err = "checksum mismatch"
		}
		f.Checksum = ChecksumSpec{Kind: ChecksumXOR, Offset: star + 1, Length: 2}
		f.addField("checksum_received", fmt.Sprintf("0x%02X", byte(received)))
		f.addField("checksum_calculated", fmt.Sprintf("0x%02X", calculated))
		body = sentence[1:star]
	} else {
		f.Valid = true
	}

	parts := strings.Split(body, ",")
	address := parts[0]
	talker, sentenceID := "", ""
	if len(address) >= 3 {
		talker = address[:2]
		sentenceID = address[2:]
	}
	fields := []Field{
		{Key: "talker_id", Value: talker},
		{Key: "sentence_id", Value: sentenceID},
		{Key: "sentence_type", Value: address},
		{Key: "field_count", Value: fmt.Sprintf("%d", len(parts)-1)},
	}
	if len(parts) > 1 {
		fields = append(fields, Field{Key: "fields", Value: strings.Join(parts[1:], ",")})
	}
	f.Fields = append(fields, f.Fields...)
	return f
}

// NMEAAssembler reconstructs NMEA 0183 sentences delimited by '$' and CRLF.
type NMEAAssembler struct {
	acc accumulator
}

func NewNMEAAssembler(maxBuffer int) *NMEAAssembler {
	return &NMEAAssembler{acc: newAccumulator(maxBuffer)}
}

func (a *NMEAAssembler) Protocol() Protocol { return NMEA0183 }

func (a *NMEAAssembler) Pending() int { return a.acc.pending() }

func (a *NMEAAssembler) Reset() { a.acc.reset() }

func (a *NMEAAssembler) Feed(p []byte) []*Frame {
	a.acc.add(p)
	var out []*Frame
	for {
		start := bytes.IndexByte(a.acc.buf, '$')
		if start < 0 {
			if f := a.acc.drainOverflow(NMEA0183); f != nil {
				out = append(out, f)
			}
			return out
		}
		if start > 0 {
			// Line noise ahead of the start marker is emitted as a raw
			// frame so it still reaches the log and the far end.
			noise := cloneBytes(a.acc.buf[:start])
			a.acc.consume(start)
			out = append(out, ParseRaw(noise))
		}
		end := bytes.Index(a.acc.buf, crlf)
		if end < 0 {
			if f := a.acc.drainOverflow(NMEA0183); f != nil {
				out = append(out, f)
			}
			return out
		}
		raw := cloneBytes(a.acc.buf[:end+2])
		a.acc.consume(end + 2)
		out = append(out, ParseNMEA(raw))
	}
}

func (a *NMEAAssembler) Silence() []*Frame {
	if a.acc.pending() == 0 {
		return nil
	}
	raw := cloneBytes(a.acc.buf)
	a.acc.reset()
	return []*Frame{invalidFrame(NMEA0183, raw, "timed out before CRLF terminator")}
}
