// Package serialio abstracts the two line endpoints the bridge sits between:
// a physical RS-232 port opened through go.bug.st/serial, or an in-memory
// pipe used by tests and loopback mode. Both satisfy Channel.
package serialio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Parity names follow the RS-232 convention.
const (
	ParityNone  = "none"
	ParityOdd   = "odd"
	ParityEven  = "even"
	ParityMark  = "mark"
	ParitySpace = "space"
)

const (
	FlowNone     = "none"
	FlowHardware = "hardware"
	FlowSoftware = "software"
)

const (
	MinBaud = 300
	MaxBaud = 115200

	MinReadTimeout = time.Millisecond
	MaxReadTimeout = 50 * time.Millisecond
)

// Config is one port's line configuration.
type Config struct {
	Port        string        `yaml:"port" json:"port"`
	Baud        int           `yaml:"baud" json:"baud"`
	DataBits    int           `yaml:"dataBits" json:"dataBits"`
	Parity      string        `yaml:"parity" json:"parity"`
	StopBits    float64       `yaml:"stopBits" json:"stopBits"`
	FlowControl string        `yaml:"flowControl" json:"flowControl"`
	ReadTimeout time.Duration `yaml:"readTimeout" json:"readTimeout"`
}

// ApplyDefaults fills unset fields with 9600 8N1. The read timeout defaults
// to the line's silence window, clamped to [MinReadTimeout, MaxReadTimeout],
// so silence-terminated frames complete within a gap or two instead of
// waiting out a coarse polling tick.
func (c *Config) ApplyDefaults() {
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.FlowControl == "" {
		c.FlowControl = FlowNone
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = c.SilenceWindow()
		if c.ReadTimeout < MinReadTimeout {
			c.ReadTimeout = MinReadTimeout
		}
		if c.ReadTimeout > MaxReadTimeout {
			c.ReadTimeout = MaxReadTimeout
		}
	}
}

// Validate checks the line parameters against the supported ranges.
func (c Config) Validate() error {
	if c.Baud < MinBaud || c.Baud > MaxBaud {
		return fmt.Errorf("baud %d out of range [%d, %d]", c.Baud, MinBaud, MaxBaud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("data bits %d out of range [5, 8]", c.DataBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("unknown parity %q", c.Parity)
	}
	switch c.StopBits {
	case 1, 1.5, 2:
	default:
		return fmt.Errorf("stop bits %v not one of 1, 1.5, 2", c.StopBits)
	}
	switch c.FlowControl {
	case FlowNone, FlowHardware, FlowSoftware:
	default:
		return fmt.Errorf("unknown flow control %q", c.FlowControl)
	}
	if c.ReadTimeout < 0 {
		return errors.New("negative read timeout")
	}
	return nil
}

// BitsPerChar returns the number of line bits one character occupies,
// including start, parity and stop bits.
func (c Config) BitsPerChar() float64 {
	bits := 1 + float64(c.DataBits) + c.StopBits
	if c.Parity != ParityNone {
		bits++
	}
	return bits
}

// SilenceWindow returns the inter-frame silence threshold: 3.5 character
// times at the configured line rate. Silence-terminated protocols treat a
// gap of this length as end of frame.
func (c Config) SilenceWindow() time.Duration {
	chars := 3.5 * c.BitsPerChar() / float64(c.Baud)
	return time.Duration(chars * float64(time.Second))
}

// Channel is a duplex byte stream endpoint. Read returns (0, nil) when the
// configured read timeout elapses with no data; the caller treats that as a
// silence tick, not an error.
type Channel interface {
	io.ReadWriteCloser
	Name() string
}

type port struct {
	p    serial.Port
	name string
}

// Open opens the physical port described by cfg.
func Open(cfg Config) (Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		Parity:   parityMode(cfg.Parity),
		StopBits: stopBitsMode(cfg.StopBits),
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("open %s: set read timeout: %w", cfg.Port, err)
	}
	return &port{p: p, name: cfg.Port}, nil
}

func (p *port) Read(b []byte) (int, error) {
	n, err := p.p.Read(b)
	if err == io.EOF {
		// Timeout expiry reads as EOF on some platforms; report it as a
		// silent tick.
		return n, nil
	}
	return n, err
}

func (p *port) Write(b []byte) (int, error) { return p.p.Write(b) }
func (p *port) Close() error                { return p.p.Close() }
func (p *port) Name() string                { return p.name }

func parityMode(s string) serial.Parity {
	switch s {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	case ParityMark:
		return serial.MarkParity
	case ParitySpace:
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func stopBitsMode(s float64) serial.StopBits {
	switch s {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}
