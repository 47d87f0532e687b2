// Package bridge wires two serial channels together: bytes read from one
// side are assembled into frames, labeled, run through the rule engine and
// forwarded to the other side, with every frame logged through the sink.
// The two directions run as independent pipelines; each pipeline is strictly
// sequential, so per-direction frame order is preserved end to end.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"example.com/linetap/internal/common"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/sink"
)

// State is the bridge lifecycle phase.
type State string

const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

var (
	ErrAlreadyRunning = errors.New("bridge already running")
	ErrNotRunning     = errors.New("bridge not running")
	ErrConfigLocked   = errors.New("configuration cannot change while running")
)

// Config holds everything the bridge needs to run a session.
type Config struct {
	A serialio.Config `yaml:"portA" json:"portA"`
	B serialio.Config `yaml:"portB" json:"portB"`

	// Pinned disables auto-detection and forces one protocol label.
	Pinned    frame.Protocol        `yaml:"protocol" json:"protocol"`
	Delimited frame.DelimitedConfig `yaml:"delimited" json:"delimited"`
	Binary    frame.BinaryConfig    `yaml:"binary" json:"binary"`

	MaxFrameBuffer int `yaml:"maxFrameBuffer" json:"maxFrameBuffer"`
	WriteRetries   int `yaml:"writeRetries" json:"writeRetries"`

	// Spoofing is the session-wide switch; individual rules still carry
	// their own enabled flags.
	Spoofing bool `yaml:"spoofing" json:"spoofing"`
}

// ApplyDefaults fills the zero values.
func (c *Config) ApplyDefaults() {
	c.A.ApplyDefaults()
	c.B.ApplyDefaults()
	if c.MaxFrameBuffer == 0 {
		c.MaxFrameBuffer = frame.DefaultMaxBuffer
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = 3
	}
}

// Validate checks both line configurations and the pinned protocol.
func (c Config) Validate() error {
	if err := c.A.Validate(); err != nil {
		return fmt.Errorf("port A: %w", err)
	}
	if err := c.B.Validate(); err != nil {
		return fmt.Errorf("port B: %w", err)
	}
	if c.Pinned != "" && !frame.Known(c.Pinned) {
		return fmt.Errorf("unknown pinned protocol %q", c.Pinned)
	}
	return nil
}

// Bridge owns the channel pair and the two direction pipelines.
type Bridge struct {
	mu      sync.Mutex
	state   State
	cfg     Config
	store   *rules.Store
	logs    *sink.Sink
	stats   *sink.Stats
	spoofOn bool
	pipes   [2]*pipeline
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns a stopped bridge bound to the shared rule store, log sink and
// statistics counters.
func New(cfg Config, store *rules.Store, logs *sink.Sink, stats *sink.Stats) (*Bridge, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{
		state:   StateStopped,
		cfg:     cfg,
		store:   store,
		logs:    logs,
		stats:   stats,
		spoofOn: cfg.Spoofing,
	}, nil
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Config returns a copy of the active configuration.
func (b *Bridge) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// SetConfig replaces the configuration. Rejected while the bridge runs.
func (b *Bridge) SetConfig(cfg Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateStopped {
		return ErrConfigLocked
	}
	b.cfg = cfg
	b.spoofOn = cfg.Spoofing
	return nil
}

// SetSpoofing flips the session-wide spoofing switch. Unlike SetConfig this
// is allowed while running; it only gates rule evaluation.
func (b *Bridge) SetSpoofing(on bool) {
	b.mu.Lock()
	b.spoofOn = on
	b.mu.Unlock()
}

// Spoofing reports the session-wide switch.
func (b *Bridge) Spoofing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spoofOn
}

// Start takes ownership of the two open channels and launches both
// pipelines. The channels are closed when the bridge stops, on every exit
// path.
func (b *Bridge) Start(a, c serialio.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateStopped {
		return ErrAlreadyRunning
	}
	b.stop = make(chan struct{})
	b.pipes[0] = b.newPipeline(sink.AToB, a, c, b.cfg.A)
	b.pipes[1] = b.newPipeline(sink.BToA, c, a, b.cfg.B)
	b.state = StateRunning
	for _, p := range b.pipes {
		b.wg.Add(1)
		go func(p *pipeline) {
			defer b.wg.Done()
			p.run(b.stop)
		}(p)
	}
	common.Logf("bridge running: %s <-> %s", a.Name(), c.Name())
	return nil
}

// Stop drains both pipelines and releases the channels.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.state = StateStopping
	close(b.stop)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	// Each channel appears as source in one pipeline; closing sources
	// covers both ends.
	for _, p := range b.pipes {
		p.src.Close()
	}
	b.pipes = [2]*pipeline{}
	b.state = StateStopped
	common.Logf("bridge stopped")
	return nil
}

// Inject queues payload for transmission in the given direction, as if it
// had been received from that direction's source channel. The payload rides
// the pipeline so it cannot interleave inside a forwarded frame.
func (b *Bridge) Inject(dir sink.Direction, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return ErrNotRunning
	}
	for _, p := range b.pipes {
		if p != nil && p.dir == dir {
			select {
			case p.inject <- cloneFor(payload):
				return nil
			default:
				return errors.New("injection queue full")
			}
		}
	}
	return fmt.Errorf("no pipeline for direction %s", dir)
}

// Degraded lists directions whose writer hit persistent failure.
func (b *Bridge) Degraded() []sink.Direction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sink.Direction
	for _, p := range b.pipes {
		if p != nil && p.isDegraded() {
			out = append(out, p.dir)
		}
	}
	return out
}

func (b *Bridge) newPipeline(dir sink.Direction, src, dst serialio.Channel, line serialio.Config) *pipeline {
	return &pipeline{
		bridge:  b,
		dir:     dir,
		src:     src,
		dst:     dst,
		silence: line.SilenceWindow(),
		retries: b.cfg.WriteRetries,
		inject:  make(chan []byte, 16),
		mux: frame.NewMux(frame.MuxConfig{
			Pinned:    b.cfg.Pinned,
			MaxBuffer: b.cfg.MaxFrameBuffer,
			Delimited: b.cfg.Delimited,
			Binary:    b.cfg.Binary,
		}),
	}
}

func cloneFor(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
