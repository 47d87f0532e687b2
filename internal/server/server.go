// Package server exposes the daemon's HTTP API: bridge lifecycle, rule
// management, statistics, live log replay/streaming and log export. The GUI
// and other tooling are external consumers of this API.
package server

import (
	"time"

	"example.com/linetap/internal/bridge"
	"example.com/linetap/internal/logcsv"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/sink"
)

// ChannelOpener opens the two serial endpoints for a bridge configuration.
// The daemon opens physical ports; tests substitute in-memory pipes.
type ChannelOpener func(cfg bridge.Config) (a, b serialio.Channel, err error)

// Server coordinates the HTTP handlers around the shared core components.
type Server struct {
	bridge *bridge.Bridge
	store  *rules.Store
	logs   *sink.Sink
	stats  *sink.Stats
	writer *logcsv.Writer
	open   ChannelOpener
}

// Options configures server creation.
type Options struct {
	Bridge    *bridge.Bridge
	Rules     *rules.Store
	Logs      *sink.Sink
	Stats     *sink.Stats
	LogWriter *logcsv.Writer
	Open      ChannelOpener
}

// NewServer wires the handlers to the daemon's core components.
func NewServer(opts Options) *Server {
	open := opts.Open
	if open == nil {
		open = openPhysical
	}
	return &Server{
		bridge: opts.Bridge,
		store:  opts.Rules,
		logs:   opts.Logs,
		stats:  opts.Stats,
		writer: opts.LogWriter,
		open:   open,
	}
}

func openPhysical(cfg bridge.Config) (serialio.Channel, serialio.Channel, error) {
	a, err := serialio.Open(cfg.A)
	if err != nil {
		return nil, nil, err
	}
	b, err := serialio.Open(cfg.B)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// entryView is the wire representation of one log entry.
type entryView struct {
	Seq       uint64            `json:"seq"`
	Time      time.Time         `json:"time"`
	Direction string            `json:"direction"`
	Protocol  string            `json:"protocol"`
	Valid     bool              `json:"valid"`
	RawBefore string            `json:"rawBefore"`
	RawAfter  string            `json:"rawAfter,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RuleID    string            `json:"ruleId,omitempty"`
	Error     bool              `json:"error"`
}

func toEntryView(e *sink.Entry) entryView {
	v := entryView{
		Seq:       e.Seq,
		Time:      e.Time,
		Direction: string(e.Direction),
		Protocol:  string(e.Frame.Protocol),
		Valid:     e.Frame.Valid,
		RawBefore: hexString(e.Before),
		RuleID:    e.RuleID,
		Error:     e.Error,
	}
	if e.Modified() {
		v.RawAfter = hexString(e.After)
	}
	if len(e.Frame.Fields) > 0 {
		v.Fields = make(map[string]string, len(e.Frame.Fields))
		for _, f := range e.Frame.Fields {
			v.Fields[f.Key] = f.Value
		}
	}
	return v
}
