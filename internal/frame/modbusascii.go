package frame

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"example.com/linetap/internal/checksum"
)

var crlf = []byte{'\r', '\n'}

// ParseModbusASCII interprets raw as a complete Modbus ASCII frame
// (":<hex pairs><LRC>\r\n"), verifying the LRC trailer.
func ParseModbusASCII(raw []byte) *Frame {
	f := &Frame{Protocol: ModbusASCII, Raw: raw}
	if len(raw) < 5 || raw[0] != ':' || !bytes.HasSuffix(raw, crlf) {
		f.Err = "invalid Modbus ASCII framing"
		f.addField("length", fmt.Sprintf("%d", len(raw)))
		return f
	}
	hexBody := string(raw[1 : len(raw)-2])
	if len(hexBody)%2 != 0 {
		f.Err = "odd hex digit count"
		f.addField("hex_data", hexBody)
		return f
	}
	decoded, err := hex.DecodeString(hexBody)
	if err != nil {
		f.Err = "payload not hex-decodable"
		f.addField("hex_data", hexBody)
		return f
	}
	if len(decoded) < 3 {
		f.Err = "decoded frame too short"
		f.addField("hex_data", hexBody)
		return f
	}
	payload := decoded[:len(decoded)-1]
	received := decoded[len(decoded)-1]
	calculated := checksum.LRC(payload)
	f.Valid = received == calculated
	if !f.Valid {
		f.Err = "lrc mismatch"
	}
	// The integrity field is the two hex digits ahead of CRLF.
	f.Checksum = ChecksumSpec{Kind: ChecksumLRC, Offset: len(raw) - 4, Length: 2}

	f.addField("slave_address", fmt.Sprintf("%d", decoded[0]))
	f.addField("function_code", fmt.Sprintf("0x%02X", decoded[1]))
	f.addField("function_name", modbusFunctionName(decoded[1]))
	f.addField("lrc_received", fmt.Sprintf("0x%02X", received))
	f.addField("lrc_calculated", fmt.Sprintf("0x%02X", calculated))
	f.addField("hex_data", strings.ToUpper(hexBody))
	return f
}

// ASCIIAssembler reconstructs Modbus ASCII frames delimited by ':' and CRLF.
type ASCIIAssembler struct {
	acc accumulator
}

func NewASCIIAssembler(maxBuffer int) *ASCIIAssembler {
	return &ASCIIAssembler{acc: newAccumulator(maxBuffer)}
}

func (a *ASCIIAssembler) Protocol() Protocol { return ModbusASCII }

func (a *ASCIIAssembler) Pending() int { return a.acc.pending() }

func (a *ASCIIAssembler) Reset() { a.acc.reset() }

func (a *ASCIIAssembler) Feed(p []byte) []*Frame {
	a.acc.add(p)
	var out []*Frame
	for {
		start := bytes.IndexByte(a.acc.buf, ':')
		if start < 0 {
			if f := a.acc.drainOverflow(ModbusASCII); f != nil {
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
			if f := a.acc.drainOverflow(ModbusASCII); f != nil {
				out = append(out, f)
			}
			return out
		}
		raw := cloneBytes(a.acc.buf[:end+2])
		a.acc.consume(end + 2)
		out = append(out, ParseModbusASCII(raw))
	}
}

// Silence emits an accumulating partial frame as invalid; a quiet line with
// no terminator means the frame will never complete.
func (a *ASCIIAssembler) Silence() []*Frame {
	if a.acc.pending() == 0 {
		return nil
	}
	raw := cloneBytes(a.acc.buf)
	a.acc.reset()
	return []*Frame{invalidFrame(ModbusASCII, raw, "timed out before CRLF terminator")}
}
