package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"example.com/linetap/internal/checksum"
)

// ErrNoIntegrityField reports that the protocol carries no integrity field
// to repair.
var ErrNoIntegrityField = errors.New("protocol has no integrity field")

// Repair recomputes the protocol's integrity field over raw and patches it
// in place at the protocol's known offset, returning the repaired bytes.
// Protocols without an integrity field return raw unchanged with
// ErrNoIntegrityField.
func Repair(p Protocol, raw []byte) ([]byte, error) {
	switch p {
	case ModbusRTU:
		if len(raw) < 4 {
			return raw, fmt.Errorf("frame too short for CRC repair: %d bytes", len(raw))
		}
		out := cloneBytes(raw)
		binary.LittleEndian.PutUint16(out[len(out)-2:], checksum.CRC16(out[:len(out)-2]))
		return out, nil
	case ModbusASCII:
		if len(raw) < 7 || raw[0] != ':' || !bytes.HasSuffix(raw, crlf) {
			return raw, errors.New("not a well-formed Modbus ASCII frame")
		}
		body := string(raw[1 : len(raw)-4])
		decoded, err := hex.DecodeString(body)
		if err != nil {
			return raw, fmt.Errorf("payload not hex-decodable: %w", err)
		}
		out := cloneBytes(raw)
		lrc := strings.ToUpper(hex.EncodeToString([]byte{checksum.LRC(decoded)}))
		copy(out[len(out)-4:len(out)-2], lrc)
		return out, nil
	case NMEA0183:
		sentence := bytes.TrimRight(raw, "\r\n")
		star := bytes.LastIndexByte(sentence, '*')
		if len(raw) < 3 || raw[0] != '$' || star < 0 || len(sentence)-star != 3 {
			return raw, errors.New("no NMEA checksum field to repair")
		}
		out := cloneBytes(raw)
		cs := strings.ToUpper(hex.EncodeToString([]byte{checksum.XOR(out[1:star])}))
		copy(out[star+1:star+3], cs)
		return out, nil
	default:
		return raw, ErrNoIntegrityField
	}
}
