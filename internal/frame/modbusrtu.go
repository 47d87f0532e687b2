package frame

import (
	"encoding/binary"
	"fmt"

	"example.com/linetap/internal/checksum"
)

var modbusFunctionNames = map[byte]string{
	0x01: "Read Coils",
	0x02: "Read Discrete Inputs",
	0x03: "Read Holding Registers",
	0x04: "Read Input Registers",
	0x05: "Write Single Coil",
	0x06: "Write Single Register",
	0x0F: "Write Multiple Coils",
	0x10: "Write Multiple Registers",
	0x17: "Read/Write Multiple Registers",
}

func modbusFunctionName(fc byte) string {
	if name, ok := modbusFunctionNames[fc&0x7F]; ok {
		if fc&0x80 != 0 {
			return name + " (Exception)"
		}
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", fc)
}

func validModbusAddress(addr byte) bool {
	return addr >= 1 && addr <= 247
}

func knownModbusFunction(fc byte) bool {
	_, ok := modbusFunctionNames[fc&0x7F]
	return ok
}

// rtuCandidateLengths returns the plausible total frame lengths (including
// the CRC trailer) that can be derived from the bytes seen so far. Request
// and response encodings share function codes, so several candidates may
// apply; the CRC decides which boundary is real.
func rtuCandidateLengths(buf []byte) []int {
	if len(buf) < 2 {
		return nil
	}
	fc := buf[1]
	if fc&0x80 != 0 {
		return []int{5}
	}
	var c []int
	switch fc {
	case 0x01, 0x02, 0x03, 0x04:
		// Response carries a byte count; request is fixed at 8.
		if len(buf) >= 3 {
			c = append(c, 5+int(buf[2]))
		}
		c = append(c, 8)
	case 0x05, 0x06:
		c = append(c, 8)
	case 0x0F, 0x10:
		// Request carries a byte count at offset 6; response is fixed at 8.
		if len(buf) >= 7 {
			c = append(c, 9+int(buf[6]))
		}
		c = append(c, 8)
	case 0x17:
		if len(buf) >= 11 {
			c = append(c, 13+int(buf[10]))
		}
		if len(buf) >= 3 {
			c = append(c, 5+int(buf[2]))
		}
	}
	return c
}

// ParseModbusRTU interprets raw as a complete Modbus RTU frame, verifying the
// CRC-16 trailer. Invalid frames are still returned with Valid=false.
func ParseModbusRTU(raw []byte) *Frame {
	f := &Frame{Protocol: ModbusRTU, Raw: raw}
	if len(raw) < 4 {
		f.Err = "frame too short for Modbus RTU"
		f.addField("length", fmt.Sprintf("%d", len(raw)))
		return f
	}
	payload := raw[:len(raw)-2]
	received := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	calculated := checksum.CRC16(payload)
	f.Valid = received == calculated
	if !f.Valid {
		f.Err = "crc mismatch"
	}
	f.Checksum = ChecksumSpec{Kind: ChecksumCRC16, Offset: len(raw) - 2, Length: 2}

	addr := raw[0]
	fc := raw[1]
	f.addField("slave_address", fmt.Sprintf("%d", addr))
	f.addField("function_code", fmt.Sprintf("0x%02X", fc))
	f.addField("function_name", modbusFunctionName(fc))
	f.addField("data_length", fmt.Sprintf("%d", len(raw)-4))
	f.addField("crc_received", fmt.Sprintf("0x%04X", received))
	f.addField("crc_calculated", fmt.Sprintf("0x%04X", calculated))

	if len(raw) >= 8 {
		switch fc {
		case 0x01, 0x02:
			f.addField("start_address", fmt.Sprintf("%d", binary.BigEndian.Uint16(raw[2:4])))
			f.addField("coil_count", fmt.Sprintf("%d", binary.BigEndian.Uint16(raw[4:6])))
		case 0x03, 0x04:
			f.addField("start_address", fmt.Sprintf("%d", binary.BigEndian.Uint16(raw[2:4])))
			f.addField("register_count", fmt.Sprintf("%d", binary.BigEndian.Uint16(raw[4:6])))
		case 0x05, 0x06:
			f.addField("output_address", fmt.Sprintf("%d", binary.BigEndian.Uint16(raw[2:4])))
			f.addField("output_value", fmt.Sprintf("0x%04X", binary.BigEndian.Uint16(raw[4:6])))
		}
	}
	return f
}

// RTUAssembler reconstructs Modbus RTU frames. The protocol has no framing
// markers: completion is inferred from the function-code length rules plus
// the inter-frame silence window applied by the caller.
type RTUAssembler struct {
	acc accumulator
}

// NewRTUAssembler returns an assembler bounded to maxBuffer accumulated
// bytes (DefaultMaxBuffer when zero).
func NewRTUAssembler(maxBuffer int) *RTUAssembler {
	return &RTUAssembler{acc: newAccumulator(maxBuffer)}
}

func (a *RTUAssembler) Protocol() Protocol { return ModbusRTU }

func (a *RTUAssembler) Pending() int { return a.acc.pending() }

func (a *RTUAssembler) Reset() { a.acc.reset() }

// Feed appends bytes and splits out any frame whose derived length boundary
// is confirmed by a valid CRC with further bytes already behind it
// (back-to-back frames inside one read). A frame that ends exactly at the
// buffer boundary waits for Silence to confirm completion.
func (a *RTUAssembler) Feed(p []byte) []*Frame {
	a.acc.add(p)
	var out []*Frame
	for {
		n := a.boundary()
		if n <= 0 || n >= a.acc.pending() {
			break
		}
		out = append(out, ParseModbusRTU(cloneBytes(a.acc.buf[:n])))
		a.acc.consume(n)
	}
	if f := a.acc.drainOverflow(ModbusRTU); f != nil {
		out = append(out, f)
	}
	return out
}

// Silence emits whatever is accumulating once the line has been quiet for a
// full inter-frame gap.
func (a *RTUAssembler) Silence() []*Frame {
	if a.acc.pending() == 0 {
		return nil
	}
	raw := cloneBytes(a.acc.buf)
	a.acc.reset()
	return []*Frame{ParseModbusRTU(raw)}
}

// boundary returns the length of a CRC-confirmed frame at the start of the
// buffer, or 0 if none can be established yet.
func (a *RTUAssembler) boundary() int {
	buf := a.acc.buf
	if len(buf) < 4 || !validModbusAddress(buf[0]) {
		return 0
	}
	for _, n := range rtuCandidateLengths(buf) {
		if n < 4 || n > len(buf) {
			continue
		}
		received := binary.LittleEndian.Uint16(buf[n-2 : n])
		if checksum.CRC16(buf[:n-2]) == received {
			return n
		}
	}
	return 0
}
