package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/linetap/internal/bridge"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/logcsv"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/sink"
)

type fixture struct {
	srv     *Server
	handler http.Handler
	logs    *sink.Sink
	store   *rules.Store
	stats   *sink.Stats
	devA    serialio.Channel
	devB    serialio.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := rules.NewStore()
	logs := sink.New(100, time.Second)
	stats := sink.NewStats()
	cfg := bridge.Config{Spoofing: true}
	cfg.ApplyDefaults()
	b, err := bridge.New(cfg, store, logs, stats)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	f := &fixture{logs: logs, store: store, stats: stats}
	open := func(bridge.Config) (serialio.Channel, serialio.Channel, error) {
		endA, devA := serialio.Pipe(5 * time.Millisecond)
		endB, devB := serialio.Pipe(5 * time.Millisecond)
		f.devA, f.devB = devA, devB
		return endA, endB, nil
	}
	f.srv = NewServer(Options{Bridge: b, Rules: store, Logs: logs, Stats: stats, Open: open})
	f.handler = NewRouter(f.srv)
	t.Cleanup(func() {
		if b.State() == bridge.StateRunning {
			b.Stop()
		}
		logs.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]any](t, rec)
	if resp["state"] != string(bridge.StateStopped) {
		t.Fatalf("state = %v", resp["state"])
	}
	if resp["spoofing"] != true {
		t.Fatalf("spoofing = %v", resp["spoofing"])
	}
}

func TestRuleCRUDOverHTTP(t *testing.T) {
	f := newFixture(t)

	add := `{"id":"r1","enabled":true,"encoding":"ascii","pattern":"on","replacement":"off","scope":"any"}`
	if rec := f.do(t, http.MethodPost, "/rules", add); rec.Code != http.StatusOK {
		t.Fatalf("add = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/rules", add); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add = %d", rec.Code)
	}

	upd := `{"id":"r1","enabled":true,"encoding":"ascii","pattern":"on","replacement":"OFF","scope":"any"}`
	if rec := f.do(t, http.MethodPut, "/rules/r1", upd); rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPut, "/rules/nope", upd); rec.Code != http.StatusNotFound {
		t.Fatalf("update missing = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/rules/r1/enable", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("enable = %d: %s", rec.Code, rec.Body)
	}
	list := decode[[]rules.Rule](t, f.do(t, http.MethodGet, "/rules", ""))
	if len(list) != 1 || list[0].Enabled || list[0].Replacement != "OFF" {
		t.Fatalf("list = %+v", list)
	}

	if rec := f.do(t, http.MethodDelete, "/rules/r1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if got := len(f.store.List()); got != 0 {
		t.Fatalf("%d rules left", got)
	}
}

func TestRuleImportReplacesList(t *testing.T) {
	f := newFixture(t)
	list := `[
	  {"id":"a","enabled":true,"encoding":"ascii","pattern":"x","replacement":"y","scope":"any"},
	  {"id":"b","enabled":false,"encoding":"hex","pattern":"0102","replacement":"0103","scope":"Modbus RTU"}
	]`
	if rec := f.do(t, http.MethodPost, "/rules", list); rec.Code != http.StatusOK {
		t.Fatalf("import = %d: %s", rec.Code, rec.Body)
	}
	got := f.store.List()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("imported = %+v", got)
	}
}

func TestRuleConflictRejectedOverHTTP(t *testing.T) {
	f := newFixture(t)
	bad := `{"id":"grow","enabled":true,"encoding":"hex","pattern":"0102","replacement":"010203","scope":"Modbus RTU"}`
	rec := f.do(t, http.MethodPost, "/rules", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("conflict add = %d: %s", rec.Code, rec.Body)
	}
}

func TestRuleTestEndpoint(t *testing.T) {
	f := newFixture(t)
	body := `{
	  "protocol": "Modbus RTU",
	  "sampleHex": "01 03 00 00 00 02 C4 0B",
	  "rules": [{"id":"t","enabled":true,"encoding":"hex","pattern":"00 02","replacement":"00 0A","scope":"Modbus RTU"}]
	}`
	rec := f.do(t, http.MethodPost, "/rules-test", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("test = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[struct {
		Output   string `json:"output"`
		RuleID   string `json:"ruleId"`
		Modified bool   `json:"modified"`
		Repaired bool   `json:"repaired"`
	}](t, rec)
	if !resp.Modified || !resp.Repaired || resp.RuleID != "t" {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.HasPrefix(resp.Output, "01030000000A") {
		t.Fatalf("output = %s", resp.Output)
	}
	// The store itself is untouched by test mode.
	if len(f.store.List()) != 0 {
		t.Fatal("test mode altered the live rule set")
	}
}

func TestBridgeLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/bridge/stop", ""); rec.Code != http.StatusConflict {
		t.Fatalf("stop while stopped = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/bridge/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/bridge/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("double start = %d", rec.Code)
	}

	cfg, _ := json.Marshal(bridge.Config{Spoofing: true})
	if rec := f.do(t, http.MethodPut, "/config", string(cfg)); rec.Code != http.StatusConflict {
		t.Fatalf("config while running = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/bridge/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPut, "/config", string(cfg)); rec.Code != http.StatusOK {
		t.Fatalf("config while stopped = %d: %s", rec.Code, rec.Body)
	}
}

func TestInjectOverHTTP(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/inject", `{"direction":"A->B","text":"hi\n"}`); rec.Code != http.StatusConflict {
		t.Fatalf("inject while stopped = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/bridge/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/inject", `{"direction":"sideways","text":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad direction = %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/inject", `{"direction":"A->B","dataHex":"50494E47"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("inject = %d: %s", rec.Code, rec.Body)
	}
	buf := make([]byte, 16)
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for len(got) < 4 && time.Now().Before(deadline) {
		n, err := f.devB.Read(buf)
		if err != nil {
			t.Fatalf("device read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, []byte("PING")) {
		t.Fatalf("device received %q", got)
	}
}

func TestLogReplayEndpoint(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := f.logs.Publish(&sink.Entry{
			Direction: sink.AToB,
			Frame:     frame.ParseRaw([]byte("x")),
			Before:    []byte("x"),
		}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	rec := f.do(t, http.MethodGet, "/log?last=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay = %d", rec.Code)
	}
	views := decode[[]entryView](t, rec)
	if len(views) != 2 || views[0].Seq != 2 || views[1].Seq != 3 {
		t.Fatalf("views = %+v", views)
	}
	if views[0].RawBefore != "78" || views[0].Protocol != string(frame.Raw) {
		t.Fatalf("view = %+v", views[0])
	}

	if rec := f.do(t, http.MethodGet, "/log?last=banana", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad last = %d", rec.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.stats.Record(&sink.Entry{
		Direction: sink.AToB,
		Frame:     frame.ParseRaw([]byte("abc")),
		Before:    []byte("abc"),
	})
	rec := f.do(t, http.MethodGet, "/stats", "")
	resp := decode[map[string]any](t, rec)
	if resp["totalFrames"].(float64) != 1 {
		t.Fatalf("stats = %v", resp)
	}
	if rec := f.do(t, http.MethodPost, "/stats/reset", ""); rec.Code != http.StatusOK {
		t.Fatalf("reset = %d", rec.Code)
	}
	if snap := f.stats.Snapshot(); snap.TotalFrames != 0 {
		t.Fatalf("counters after reset = %+v", snap)
	}
}

func TestLogExportEndpoint(t *testing.T) {
	f := newFixture(t)
	// No persistent writer configured.
	if rec := f.do(t, http.MethodGet, "/log/export", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("export without writer = %d", rec.Code)
	}

	w, err := logcsv.NewWriter(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if err := w.Append(&sink.Entry{
		Seq: 1, Time: ts, Direction: sink.AToB,
		Frame: frame.ParseRaw([]byte("x")), Before: []byte("x"),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.srv.writer = w

	rec := f.do(t, http.MethodGet, "/log/export?from=2026-08-30&to=2026-08-30", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "sequence,timestamp") {
		t.Fatalf("export body = %q", rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/log/export?from=banana", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date = %d", rec.Code)
	}
}
