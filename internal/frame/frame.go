// Package frame reconstructs protocol-level messages from raw serial byte
// streams. It provides one assembler per protocol family, a detector that
// labels candidate frames, and the parsed frame record shared by the rule
// engine and the log sink.
package frame

// Protocol identifies one of the closed set of protocol families the
// assemblers understand.
type Protocol string

const (
	ModbusRTU      Protocol = "Modbus RTU"
	ModbusASCII    Protocol = "Modbus ASCII"
	NMEA0183       Protocol = "NMEA 0183"
	ASCIIDelimited Protocol = "ASCII Delimited"
	CustomBinary   Protocol = "Custom Binary"
	Raw            Protocol = "Raw"
)

// Protocols lists the detectable protocol families in precedence order.
// Ties during detection are broken by this order.
var Protocols = []Protocol{ModbusRTU, ModbusASCII, NMEA0183, ASCIIDelimited, CustomBinary}

// Known reports whether p names a protocol family this package understands,
// including the Raw fallback.
func Known(p Protocol) bool {
	if p == Raw {
		return true
	}
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// ChecksumKind identifies the integrity field carried by a frame.
type ChecksumKind uint8

const (
	ChecksumNone ChecksumKind = iota
	ChecksumCRC16
	ChecksumLRC
	ChecksumXOR
)

// ChecksumSpec locates a frame's integrity field within its raw bytes so the
// rule engine can repair it after substitution. Offset and Length address the
// encoded field as transmitted: two binary bytes for CRC-16, two hex digits
// for LRC and the NMEA checksum.
type ChecksumSpec struct {
	Kind   ChecksumKind
	Offset int
	Length int
}

// Field is one parsed key/value pair. Fields are kept as an ordered slice so
// display and export preserve protocol field order.
type Field struct {
	Key   string
	Value string
}

// Frame is an immutable record of one reconstructed message.
type Frame struct {
	Protocol Protocol
	Raw      []byte
	Fields   []Field
	Valid    bool
	Err      string
	Checksum ChecksumSpec
}

// Field returns the value of the named parsed field.
func (f *Frame) Field(key string) (string, bool) {
	for _, fld := range f.Fields {
		if fld.Key == key {
			return fld.Value, true
		}
	}
	return "", false
}

// HasChecksum reports whether the frame's protocol defines an integrity
// field at a known location.
func (f *Frame) HasChecksum() bool {
	return f.Checksum.Kind != ChecksumNone
}

func (f *Frame) addField(key, value string) {
	f.Fields = append(f.Fields, Field{Key: key, Value: value})
}
