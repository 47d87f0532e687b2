package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/bridge/start", s.handleBridgeStart)
	mux.HandleFunc("/bridge/stop", s.handleBridgeStop)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/spoofing", s.handleSpoofing)
	mux.HandleFunc("/inject", s.handleInject)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/rules/", s.handleRuleByID)
	mux.HandleFunc("/rules-test", s.handleRuleTest)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/reset", s.handleStatsReset)
	mux.HandleFunc("/log", s.handleLogReplay)
	mux.HandleFunc("/log/stream", s.handleLogStream)
	mux.HandleFunc("/log/export", s.handleLogExport)
	return mux
}
