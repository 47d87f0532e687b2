package checksum

import "testing"

func TestCRC16KnownFrame(t *testing.T) {
	// Read Holding Registers request 01 03 00 00 00 02, wire trailer C4 0B
	// (little-endian), so the CRC value is 0x0BC4.
	payload := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	if got := CRC16(payload); got != 0x0BC4 {
		t.Fatalf("CRC16 = 0x%04X, want 0x0BC4", got)
	}
}

func TestCRC16MatchesBitwise(t *testing.T) {
	// The table-driven computation must agree with the direct bit-shift
	// form of the algorithm.
	bitwise := func(data []byte) uint16 {
		crc := uint16(0xFFFF)
		for _, b := range data {
			crc ^= uint16(b)
			for i := 0; i < 8; i++ {
				if crc&1 != 0 {
					crc = (crc >> 1) ^ 0xA001
				} else {
					crc >>= 1
				}
			}
		}
		return crc
	}
	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF, 0xFF, 0xFF},
		{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03},
		{0x01, 0x06, 0x00, 0x01, 0x00, 0x03},
	}
	for _, in := range inputs {
		if got, want := CRC16(in), bitwise(in); got != want {
			t.Fatalf("CRC16(% X) = 0x%04X, want 0x%04X", in, got, want)
		}
	}
}

func TestCRC16Stream(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	s := NewCRC16Stream()
	s.Write(data[:3])
	s.Write(data[3:])
	if got, want := s.Sum16(), CRC16(data); got != want {
		t.Fatalf("streamed CRC = 0x%04X, want 0x%04X", got, want)
	}
}

func TestLRC(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{name: "empty", data: nil, want: 0x00},
		{name: "two bytes", data: []byte{0x01, 0x03}, want: 0xFC},
		{name: "sum wraps", data: []byte{0xFF, 0x02}, want: 0xFF},
		{name: "read request", data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, want: 0xF2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := LRC(tc.data); got != tc.want {
				t.Fatalf("LRC = 0x%02X, want 0x%02X", got, tc.want)
			}
		})
	}
}

func TestLRCTwoComplementProperty(t *testing.T) {
	// Appending the LRC to the payload must make the byte sum zero.
	data := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	lrc := LRC(data)
	var sum byte
	for _, b := range data {
		sum += b
	}
	if sum+lrc != 0 {
		t.Fatalf("payload sum 0x%02X + LRC 0x%02X != 0", sum, lrc)
	}
}

func TestXOR(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{name: "empty", data: nil, want: 0x00},
		{name: "single", data: []byte("A"), want: 0x41},
		{name: "pair", data: []byte("XY"), want: 0x01},
		{name: "self cancel", data: []byte{0x7E, 0x7E}, want: 0x00},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := XOR(tc.data); got != tc.want {
				t.Fatalf("XOR = 0x%02X, want 0x%02X", got, tc.want)
			}
		})
	}
}
