package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"example.com/linetap/internal/checksum"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/sink"
)

type harness struct {
	bridge *Bridge
	store  *rules.Store
	logs   *sink.Sink
	stats  *sink.Stats
	sub    *sink.Subscription
	devA   serialio.Channel // what the device on side A sees
	devB   serialio.Channel
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{Spoofing: true}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(&cfg)
	}
	store := rules.NewStore()
	logs := sink.New(100, time.Second)
	stats := sink.NewStats()
	b, err := New(cfg, store, logs, stats)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	endA, devA := serialio.Pipe(5 * time.Millisecond)
	endB, devB := serialio.Pipe(5 * time.Millisecond)
	h := &harness{bridge: b, store: store, logs: logs, stats: stats,
		sub: logs.Subscribe(100), devA: devA, devB: devB}
	if err := b.Start(endA, endB); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if b.State() == StateRunning {
			b.Stop()
		}
		logs.Close()
	})
	return h
}

// nextEntry waits for the next published log entry.
func (h *harness) nextEntry(t *testing.T) *sink.Entry {
	t.Helper()
	select {
	case e := <-h.sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log entry")
		return nil
	}
}

// readFrom collects n bytes from a device end.
func readFrom(t *testing.T, ch serialio.Channel, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, read % X", out)
		}
		m, err := ch.Read(buf)
		if err != nil {
			t.Fatalf("device read: %v", err)
		}
		out = append(out, buf[:m]...)
	}
	return out
}

func rtuFrame(payload ...byte) []byte {
	out := make([]byte, len(payload)+2)
	copy(out, payload)
	binary.LittleEndian.PutUint16(out[len(payload):], checksum.CRC16(payload))
	return out
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	b := h.bridge
	if b.State() != StateRunning {
		t.Fatalf("state = %s", b.State())
	}
	if err := b.Start(h.devA, h.devB); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v", err)
	}
	if err := b.SetConfig(b.Config()); !errors.Is(err, ErrConfigLocked) {
		t.Fatalf("SetConfig while running err = %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("state after Stop = %s", b.State())
	}
	if err := b.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop err = %v", err)
	}
	if err := b.SetConfig(b.Config()); err != nil {
		t.Fatalf("SetConfig while stopped: %v", err)
	}
}

func TestForwardsModbusWithRewrittenCRC(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Add(rules.Rule{
		ID: "reg", Enabled: true, Encoding: rules.EncodingHex,
		Pattern:     "01 03 00 00 00 02",
		Replacement: "01 03 00 05 00 02",
		Scope:       string(frame.ModbusRTU),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sent := rtuFrame(0x01, 0x03, 0x00, 0x00, 0x00, 0x02)
	if _, err := h.devA.Write(sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := rtuFrame(0x01, 0x03, 0x00, 0x05, 0x00, 0x02)
	got := readFrom(t, h.devB, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("forwarded % X, want % X", got, want)
	}

	e := h.nextEntry(t)
	if e.Direction != sink.AToB || e.RuleID != "reg" || !e.Modified() {
		t.Fatalf("entry = %+v", e)
	}
	if !bytes.Equal(e.Before, sent) || !bytes.Equal(e.After, want) {
		t.Fatalf("entry bytes before % X after % X", e.Before, e.After)
	}
}

func TestPerDirectionOrderPreserved(t *testing.T) {
	h := newHarness(t, nil)
	var sent [][]byte
	for i := byte(1); i <= 3; i++ {
		f := rtuFrame(0x01, 0x03, 0x00, i, 0x00, 0x01)
		sent = append(sent, f)
		if _, err := h.devA.Write(f); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		// Let the silence window elapse between frames.
		time.Sleep(25 * time.Millisecond)
	}
	var want []byte
	for _, f := range sent {
		want = append(want, f...)
	}
	got := readFrom(t, h.devB, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("forwarded % X\nwant % X", got, want)
	}
	var lastSeq uint64
	for range sent {
		e := h.nextEntry(t)
		if e.Seq <= lastSeq {
			t.Fatalf("sequence went backwards: %d after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
	}
}

func TestInvalidFrameForwardedUnmodified(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Add(rules.Rule{
		ID: "lat", Enabled: true, Encoding: rules.EncodingASCII,
		Pattern: "GPGLL", Replacement: "GPXXX", Scope: rules.ScopeAny,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	bad := []byte("$GPGLL,4916.45,N,12311.12,W,225444,A*00\r\n")
	if _, err := h.devA.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readFrom(t, h.devB, len(bad))
	if !bytes.Equal(got, bad) {
		t.Fatalf("invalid sentence altered in flight:\n got %q\nwant %q", got, bad)
	}
	e := h.nextEntry(t)
	if !e.Error || e.RuleID != "" || e.Modified() {
		t.Fatalf("entry = %+v", e)
	}
}

func TestDelimitedPassThroughLogsOnce(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.devB.Write([]byte("A,B,C\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readFrom(t, h.devA, 6)
	if string(got) != "A,B,C\n" {
		t.Fatalf("forwarded %q", got)
	}
	e := h.nextEntry(t)
	if e.Direction != sink.BToA || e.RuleID != "" || e.Error {
		t.Fatalf("entry = %+v", e)
	}
	select {
	case extra := <-h.sub.C:
		t.Fatalf("unexpected second entry %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSpoofingSwitchDisablesRules(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Add(rules.Rule{
		ID: "r", Enabled: true, Encoding: rules.EncodingASCII,
		Pattern: "A,B,C", Replacement: "X,Y,Z", Scope: rules.ScopeAny,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h.bridge.SetSpoofing(false)
	if _, err := h.devA.Write([]byte("A,B,C\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrom(t, h.devB, 6); string(got) != "A,B,C\n" {
		t.Fatalf("forwarded %q with spoofing off", got)
	}

	h.bridge.SetSpoofing(true)
	if _, err := h.devA.Write([]byte("A,B,C\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrom(t, h.devB, 6); string(got) != "X,Y,Z\n" {
		t.Fatalf("forwarded %q with spoofing on", got)
	}
}

func TestInjectRidesThePipeline(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.bridge.Inject(sink.AToB, []byte("PING\n")); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if got := readFrom(t, h.devB, 5); string(got) != "PING\n" {
		t.Fatalf("injected payload arrived as %q", got)
	}
	e := h.nextEntry(t)
	if e.RuleID != "inject" {
		t.Fatalf("entry = %+v", e)
	}

	h.bridge.Stop()
	if err := h.bridge.Inject(sink.AToB, []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Inject while stopped err = %v", err)
	}
}

func TestStatsCountTraffic(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.devA.Write([]byte("one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.nextEntry(t)
	if _, err := h.devB.Write([]byte("two\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.nextEntry(t)

	snap := h.stats.Snapshot()
	if snap.TotalFrames != 2 {
		t.Fatalf("TotalFrames = %d", snap.TotalFrames)
	}
	if snap.BytesAToB != 4 || snap.BytesBToA != 4 {
		t.Fatalf("bytes = %d / %d", snap.BytesAToB, snap.BytesBToA)
	}
}

func TestStopDrainsPendingFrame(t *testing.T) {
	h := newHarness(t, nil)
	// No terminator and no silence yet: the frame is still pending when
	// Stop arrives, and must be flushed before the channels close.
	if _, err := h.devA.Write([]byte("tail-without-newline")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := h.bridge.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	e := h.nextEntry(t)
	if !bytes.Contains(e.Before, []byte("tail-without-newline")) {
		t.Fatalf("drained entry = %q", e.Before)
	}
}

// brokenWriter reads normally but fails every write, standing in for a
// transmitter that went away mid-session.
type brokenWriter struct {
	serialio.Channel
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("transmitter disconnected")
}

func TestWriteFailureDegradesOneDirectionOnly(t *testing.T) {
	cfg := Config{Spoofing: true}
	cfg.ApplyDefaults()
	logs := sink.New(100, time.Second)
	b, err := New(cfg, rules.NewStore(), logs, sink.NewStats())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	endA, devA := serialio.Pipe(5 * time.Millisecond)
	endB, devB := serialio.Pipe(5 * time.Millisecond)
	sub := logs.Subscribe(100)
	if err := b.Start(endA, &brokenWriter{Channel: endB}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if b.State() == StateRunning {
			b.Stop()
		}
		logs.Close()
	})
	nextEntry := func() *sink.Entry {
		select {
		case e := <-sub.C:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for log entry")
			return nil
		}
	}
	sentence := func(body string) []byte {
		return []byte(fmt.Sprintf("$%s*%02X\r\n", body, checksum.XOR([]byte(body))))
	}

	if _, err := devA.Write(sentence("GPGGA,one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := nextEntry()
	if e.Direction != sink.AToB {
		t.Fatalf("direction = %s", e.Direction)
	}
	if !e.Error {
		t.Fatal("failed transmission not flagged on the entry")
	}
	degraded := b.Degraded()
	if len(degraded) != 1 || degraded[0] != sink.AToB {
		t.Fatalf("Degraded() = %v, want [%s]", degraded, sink.AToB)
	}

	// The opposite direction keeps forwarding.
	reply := sentence("GPGGA,two")
	if _, err := devB.Write(reply); err != nil {
		t.Fatalf("write: %v", err)
	}
	e = nextEntry()
	if e.Direction != sink.BToA || e.Error {
		t.Fatalf("reply entry direction=%s error=%v", e.Direction, e.Error)
	}
	if got := readFrom(t, devA, len(reply)); !bytes.Equal(got, reply) {
		t.Fatalf("reply = % X, want % X", got, reply)
	}

	// Degraded writes are suppressed but the traffic is still logged.
	if _, err := devA.Write(sentence("GPGGA,three")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e = nextEntry()
	if e.Direction != sink.AToB || !e.Error {
		t.Fatalf("degraded entry direction=%s error=%v", e.Direction, e.Error)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	cfg.Pinned = frame.Protocol("Token Ring")
	if _, err := New(cfg, rules.NewStore(), sink.New(1, time.Second), sink.NewStats()); err == nil {
		t.Fatal("unknown pinned protocol accepted")
	}

	cfg = Config{}
	cfg.ApplyDefaults()
	cfg.A.Baud = 50
	if _, err := New(cfg, rules.NewStore(), sink.New(1, time.Second), sink.NewStats()); err == nil {
		t.Fatal("out-of-range baud accepted")
	}
}

func TestPinnedProtocolSkipsDetection(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Pinned = frame.ASCIIDelimited })
	if _, err := h.devA.Write([]byte("free text\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := h.nextEntry(t)
	if e.Frame.Protocol != frame.ASCIIDelimited {
		t.Fatalf("protocol = %s", e.Frame.Protocol)
	}
	if fmt.Sprintf("%s", e.Frame.Raw) != "free text\n" {
		t.Fatalf("raw = %q", e.Frame.Raw)
	}
}
