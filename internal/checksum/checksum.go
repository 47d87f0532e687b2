// Package checksum implements the integrity functions used by the serial
// protocols the bridge understands: the Modbus RTU CRC-16, the Modbus ASCII
// LRC and the NMEA 0183 XOR checksum.
package checksum

// crcTable holds the pre-computed CRC-16 lookup table for the reversed
// polynomial 0xA001.
var crcTable [256]uint16

func init() {
	const poly = 0xA001
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the Modbus RTU CRC-16 (polynomial 0xA001, initial value
// 0xFFFF) over data. The value is transmitted little-endian after the frame
// payload.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[uint8(crc)^b]
	}
	return crc
}

// CRC16Stream accumulates a Modbus CRC-16 incrementally. The zero value is
// not ready to use; call NewCRC16Stream.
type CRC16Stream struct {
	value uint16
}

// NewCRC16Stream returns an initialized streaming CRC-16 calculator.
func NewCRC16Stream() *CRC16Stream {
	return &CRC16Stream{value: 0xFFFF}
}

// Write updates the checksum with the provided data.
func (c *CRC16Stream) Write(p []byte) {
	if c == nil {
		return
	}
	for _, b := range p {
		c.value = (c.value >> 8) ^ crcTable[uint8(c.value)^b]
	}
}

// Sum16 returns the checksum of the data written so far.
func (c *CRC16Stream) Sum16() uint16 {
	if c == nil {
		return 0
	}
	return c.value
}

// LRC computes the Modbus ASCII longitudinal redundancy check: the
// two's complement of the byte sum, modulo 256.
func LRC(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// XOR computes the NMEA 0183 checksum: the XOR of every byte strictly
// between the '$' start marker and the '*' checksum marker.
func XOR(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs ^= b
	}
	return cs
}
