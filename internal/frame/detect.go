package frame

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"example.com/linetap/internal/checksum"
	"example.com/linetap/internal/common"
)

// ParseRaw renders bytes that matched no protocol signature as a hex-framed
// fallback record.
func ParseRaw(raw []byte) *Frame {
	f := &Frame{Protocol: Raw, Raw: raw, Valid: true}
	f.addField("length", fmt.Sprintf("%d", len(raw)))
	printable := isPrintable(raw)
	f.addField("is_ascii", strconv.FormatBool(printable))
	if printable {
		f.addField("ascii_text", strings.TrimRight(string(raw), "\r\n"))
	}
	f.addField("hex_dump", common.HexDump(raw))
	return f
}

// Parse dispatches raw bytes to the parser for the given protocol label.
func Parse(p Protocol, raw []byte) *Frame {
	switch p {
	case ModbusRTU:
		return ParseModbusRTU(raw)
	case ModbusASCII:
		return ParseModbusASCII(raw)
	case NMEA0183:
		return ParseNMEA(raw)
	case ASCIIDelimited:
		return ParseASCIIDelimited(raw)
	case CustomBinary:
		return ParseCustomBinary(raw)
	default:
		return ParseRaw(raw)
	}
}

const classifyThreshold = 2

// Classify scores raw against each protocol's structural signature and
// returns the best-scoring label. Ties are broken by the fixed precedence
// order of Protocols. Classification is deterministic: re-running it on the
// same bytes yields the same label.
func Classify(raw []byte) Protocol {
	if len(raw) == 0 {
		return Raw
	}
	best := Raw
	bestScore := 0
	for _, p := range Protocols {
		var s int
		switch p {
		case ModbusRTU:
			s = scoreModbusRTU(raw)
		case ModbusASCII:
			s = scoreModbusASCII(raw)
		case NMEA0183:
			s = scoreNMEA(raw)
		case ASCIIDelimited:
			s = scoreDelimited(raw)
		case CustomBinary:
			s = scoreCustomBinary(raw)
		}
		if s > bestScore {
			best = p
			bestScore = s
		}
	}
	if bestScore < classifyThreshold {
		if bestScore > 0 && best == CustomBinary {
			return CustomBinary
		}
		return Raw
	}
	return best
}

func scoreModbusRTU(raw []byte) int {
	if len(raw) < 4 || !validModbusAddress(raw[0]) || !knownModbusFunction(raw[1]) {
		return 0
	}
	s := 2
	received := uint16(raw[len(raw)-1])<<8 | uint16(raw[len(raw)-2])
	if checksum.CRC16(raw[:len(raw)-2]) == received {
		s += 3
	}
	return s
}

func scoreModbusASCII(raw []byte) int {
	if len(raw) == 0 || raw[0] != ':' {
		return 0
	}
	s := 2
	if bytes.HasSuffix(raw, crlf) {
		s++
	}
	body := raw[1:]
	if bytes.HasSuffix(body, crlf) {
		body = body[:len(body)-2]
	}
	if len(body)%2 == 0 {
		if decoded, err := hex.DecodeString(string(body)); err == nil {
			s++
			if len(decoded) >= 3 && checksum.LRC(decoded[:len(decoded)-1]) == decoded[len(decoded)-1] {
				s += 2
			}
		}
	}
	return s
}

func scoreNMEA(raw []byte) int {
	if len(raw) == 0 || raw[0] != '$' {
		return 0
	}
	s := 2
	if bytes.HasSuffix(raw, crlf) {
		s++
	}
	sentence := bytes.TrimRight(raw, "\r\n")
	star := bytes.LastIndexByte(sentence, '*')
	if star >= 0 && len(sentence)-star == 3 {
		s++
		if received, err := strconv.ParseUint(string(sentence[star+1:]), 16, 8); err == nil {
			if checksum.XOR(raw[1:star]) == byte(received) {
				s += 2
			}
		}
	}
	return s
}

func scoreDelimited(raw []byte) int {
	if !isPrintable(raw) {
		return 0
	}
	s := 1
	if bytes.IndexAny(raw, ",;|\t") >= 0 {
		s++
	}
	if raw[len(raw)-1] == '\n' {
		s++
	}
	return s
}

func scoreCustomBinary(raw []byte) int {
	if isPrintable(raw) {
		return 0
	}
	return 1
}

func isPrintable(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		if (b < 0x20 || b > 0x7E) && b != '\r' && b != '\n' && b != '\t' {
			return false
		}
	}
	return true
}

// Detector labels completed frames and caches the last successful label per
// channel as a hint, avoiding re-scoring every frame. The hint is discarded
// after the hinted assembler reports two consecutive invalid frames.
type Detector struct {
	hint   Protocol
	misses int
}

// Choose returns the protocol to try for the buffered bytes: the cached
// hint when one is live, otherwise a fresh classification.
func (d *Detector) Choose(raw []byte) Protocol {
	if d.hint != "" {
		return d.hint
	}
	return Classify(raw)
}

// Hint returns the cached label, or empty when no hint is live.
func (d *Detector) Hint() Protocol { return d.hint }

// Observe records the verdict of an emitted frame and maintains the hint
// cache.
func (d *Detector) Observe(p Protocol, valid bool) {
	if valid {
		// Raw and Custom Binary match any byte sequence, so they make
		// useless hints: caching them would mask later structured traffic.
		if p != Raw && p != CustomBinary {
			d.hint = p
		}
		d.misses = 0
		return
	}
	if p == d.hint {
		d.misses++
		if d.misses >= 2 {
			d.hint = ""
			d.misses = 0
		}
	}
}
