package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/linetap/internal/bridge"
	"example.com/linetap/internal/common"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/sink"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	degraded := make([]string, 0, 2)
	for _, d := range s.bridge.Degraded() {
		degraded = append(degraded, string(d))
	}
	resp := struct {
		State    string   `json:"state"`
		Spoofing bool     `json:"spoofing"`
		Degraded []string `json:"degraded"`
		LastSeq  uint64   `json:"lastSeq"`
		Rules    int      `json:"rules"`
	}{
		State:    string(s.bridge.State()),
		Spoofing: s.bridge.Spoofing(),
		Degraded: degraded,
		LastSeq:  s.logs.LastSeq(),
		Rules:    s.store.Snapshot().Len(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a, b, err := s.open(s.bridge.Config())
	if err != nil {
		http.Error(w, fmt.Sprintf("open channels: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.bridge.Start(a, b); err != nil {
		a.Close()
		b.Close()
		if errors.Is(err, bridge.ErrAlreadyRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("start bridge: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.bridge.State())})
}

func (s *Server) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.bridge.Stop(); err != nil {
		if errors.Is(err, bridge.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("stop bridge: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.bridge.State())})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.bridge.Config())
	case http.MethodPut, http.MethodPost:
		var cfg bridge.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.bridge.SetConfig(cfg); err != nil {
			if errors.Is(err, bridge.ErrConfigLocked) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, s.bridge.Config())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSpoofing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	s.bridge.SetSpoofing(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"spoofing": s.bridge.Spoofing()})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Direction string `json:"direction"`
		DataHex   string `json:"dataHex,omitempty"`
		Text      string `json:"text,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	var dir sink.Direction
	switch req.Direction {
	case string(sink.AToB):
		dir = sink.AToB
	case string(sink.BToA):
		dir = sink.BToA
	default:
		http.Error(w, fmt.Sprintf("unknown direction %q", req.Direction), http.StatusBadRequest)
		return
	}
	payload, err := samplePayload(req.DataHex, req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bridge.Inject(dir, payload); err != nil {
		if errors.Is(err, bridge.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bytes": len(payload)})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.List())
	case http.MethodPost:
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		// A JSON array replaces the whole ordered list (import); an
		// object appends one rule.
		if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
			var list []rules.Rule
			if err := json.Unmarshal(body, &list); err != nil {
				http.Error(w, fmt.Sprintf("invalid rule list: %v", err), http.StatusBadRequest)
				return
			}
			if err := s.store.Replace(list); err != nil {
				writeRuleError(w, err)
				return
			}
		} else {
			var rule rules.Rule
			if err := json.Unmarshal(body, &rule); err != nil {
				http.Error(w, fmt.Sprintf("invalid rule: %v", err), http.StatusBadRequest)
				return
			}
			if err := s.store.Add(rule); err != nil {
				writeRuleError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.store.List())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/rules/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "rule id required", http.StatusBadRequest)
		return
	}
	switch {
	case action == "enable" && r.Method == http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.store.SetEnabled(id, req.Enabled); err != nil {
			writeRuleError(w, err)
			return
		}
	case action == "" && r.Method == http.MethodPut:
		var rule rules.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, fmt.Sprintf("invalid rule: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.store.Update(id, rule); err != nil {
			writeRuleError(w, err)
			return
		}
	case action == "" && r.Method == http.MethodDelete:
		if err := s.store.Remove(id); err != nil {
			writeRuleError(w, err)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleRuleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Protocol  string       `json:"protocol"`
		SampleHex string       `json:"sampleHex,omitempty"`
		Text      string       `json:"text,omitempty"`
		Rules     []rules.Rule `json:"rules,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	payload, err := samplePayload(req.SampleHex, req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	proto := frame.Protocol(req.Protocol)
	if req.Protocol == "" {
		proto = frame.Classify(payload)
	} else if !frame.Known(proto) {
		http.Error(w, fmt.Sprintf("unknown protocol %q", req.Protocol), http.StatusBadRequest)
		return
	}
	set := s.store.Snapshot()
	if req.Rules != nil {
		set, err = rules.NewSet(req.Rules)
		if err != nil {
			writeRuleError(w, err)
			return
		}
	}
	f, res, err := set.TestSample(proto, payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("evaluate sample: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Entry    entryView `json:"frame"`
		Output   string    `json:"output"`
		RuleID   string    `json:"ruleId,omitempty"`
		Modified bool      `json:"modified"`
		Repaired bool      `json:"repaired"`
	}{
		Entry: toEntryView(&sink.Entry{
			Frame:  f,
			Before: payload,
			Error:  !f.Valid,
		}),
		Output:   hexString(res.Output),
		RuleID:   res.RuleID,
		Modified: res.Modified,
		Repaired: res.Repaired,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.stats.Snapshot()
	resp := struct {
		sink.StatsSnapshot
		ThroughputBps float64 `json:"throughputBytesPerSecond"`
	}{
		StatsSnapshot: snap,
		ThroughputBps: snap.ThroughputBytesPerSecond(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.stats.Reset()
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleLogReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	last := 100
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid last %q", v), http.StatusBadRequest)
			return
		}
		last = n
	}
	entries := s.logs.Replay(last)
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = toEntryView(e)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	out := NewNDJSONWriter(w)
	sub := s.logs.Subscribe(128)
	defer sub.Cancel()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := out.WriteObject(toEntryView(e)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleLogExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.writer == nil {
		http.Error(w, "persistent log disabled", http.StatusNotFound)
		return
	}
	from, err := exportDate(r.URL.Query().Get("from"), time.Time{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := exportDate(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="linetap-export.csv"`)
	if err := s.writer.ExportRange(w, from, to); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
	}
}

func exportDate(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t, nil
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, rules.ErrDuplicateID):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, rules.ErrRuleConflict):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func samplePayload(hexData, text string) ([]byte, error) {
	switch {
	case hexData != "" && text != "":
		return nil, errors.New("provide hex or text, not both")
	case hexData != "":
		data, err := hex.DecodeString(strings.ReplaceAll(hexData, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
		return data, nil
	case text != "":
		return []byte(text), nil
	default:
		return nil, errors.New("payload required")
	}
}

func hexString(p []byte) string {
	return common.CompactHex(p)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
