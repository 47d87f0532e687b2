package bridge

import (
	"errors"
	"sync/atomic"
	"time"

	"example.com/linetap/internal/common"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/sink"
)

var errWriteDegraded = errors.New("channel degraded, transmission suspended")

// pipeline carries one direction of traffic. Everything inside run is
// sequential: frame N is rewritten, transmitted and logged before frame N+1
// is taken from the assembler, which is what preserves per-direction order.
type pipeline struct {
	bridge   *Bridge
	dir      sink.Direction
	src, dst serialio.Channel
	mux      *frame.Mux
	silence  time.Duration
	retries  int
	inject   chan []byte
	degraded atomic.Bool
}

func (p *pipeline) isDegraded() bool { return p.degraded.Load() }

func (p *pipeline) run(stop <-chan struct{}) {
	buf := make([]byte, 4096)
	lastData := time.Now()
	quietDone := false
	for {
		select {
		case <-stop:
			p.drain()
			return
		case payload := <-p.inject:
			p.transmitInjected(payload)
			continue
		default:
		}

		n, err := p.src.Read(buf)
		if err != nil {
			common.Logf("%s: read %s: %v", p.dir, p.src.Name(), err)
			p.drain()
			return
		}
		if n > 0 {
			lastData = time.Now()
			quietDone = false
			p.forward(p.mux.Feed(buf[:n]))
			continue
		}
		// Timed-out read. Once the line has been quiet for the silence
		// window, let silence-terminated assemblers complete.
		if !quietDone && p.mux.Pending() > 0 && time.Since(lastData) >= p.silence {
			p.forward(p.mux.Silence())
			quietDone = true
		}
	}
}

// drain flushes whatever the assembler can still complete before the
// channels are released.
func (p *pipeline) drain() {
	p.forward(p.mux.Silence())
}

func (p *pipeline) forward(frames []*frame.Frame) {
	for _, f := range frames {
		entry := &sink.Entry{
			Direction: p.dir,
			Frame:     f,
			Before:    f.Raw,
			Error:     !f.Valid,
		}
		out := f.Raw
		if f.Valid && p.bridge.Spoofing() {
			res, err := p.bridge.store.Snapshot().Evaluate(f)
			if err != nil {
				common.Logf("%s: rule evaluation: %v", p.dir, err)
			} else if res.Modified {
				out = res.Output
				entry.After = res.Output
				entry.RuleID = res.RuleID
			}
		}
		if err := p.transmit(out); err != nil {
			entry.Error = true
			common.Logf("%s: write %s: %v", p.dir, p.dst.Name(), err)
		}
		p.publish(entry)
	}
}

func (p *pipeline) transmitInjected(payload []byte) {
	f := frame.Parse(frame.Classify(payload), payload)
	entry := &sink.Entry{
		Direction: p.dir,
		Frame:     f,
		Before:    payload,
		RuleID:    "inject",
		Error:     !f.Valid,
	}
	if err := p.transmit(payload); err != nil {
		entry.Error = true
		common.Logf("%s: inject write %s: %v", p.dir, p.dst.Name(), err)
	}
	p.publish(entry)
}

// transmit writes the whole payload, retrying a bounded number of times.
// Persistent failure marks this direction degraded; the opposite pipeline
// keeps running.
func (p *pipeline) transmit(payload []byte) error {
	if p.degraded.Load() {
		return errWriteDegraded
	}
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		if lastErr = writeAll(p.dst, payload); lastErr == nil {
			return nil
		}
	}
	p.degraded.Store(true)
	return lastErr
}

func (p *pipeline) publish(entry *sink.Entry) {
	p.bridge.stats.Record(entry)
	if _, err := p.bridge.logs.Publish(entry); err != nil {
		common.Logf("%s: log sink: %v", p.dir, err)
	}
}

func writeAll(w serialio.Channel, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
