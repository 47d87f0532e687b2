// Package report renders a capture session summary from a daily traffic log:
// totals, protocol breakdown, rule hits and an integrity QR of the log file
// digest, as JSON or PDF.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"example.com/linetap/internal/common"
	"example.com/linetap/internal/logcsv"
)

// Session summarizes one daily traffic log file.
type Session struct {
	LogFile   string           `json:"logFile"`
	Digest    string           `json:"digest"`
	SizeBytes int64            `json:"sizeBytes"`
	First     time.Time        `json:"first,omitempty"`
	Last      time.Time        `json:"last,omitempty"`
	Frames    int64            `json:"frames"`
	Protocols map[string]int64 `json:"protocols"`
	RuleHits  map[string]int64 `json:"ruleHits"`
	Modified  int64            `json:"modified"`
	Errors    int64            `json:"errors"`
	BytesAToB int64            `json:"bytesAToB"`
	BytesBToA int64            `json:"bytesBToA"`
}

// BuildSession parses a daily CSV log and computes the session totals plus
// the file's SHA-256 digest.
func BuildSession(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(logcsv.Header)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty log file", path)
	}

	s := &Session{
		LogFile:   path,
		Protocols: make(map[string]int64),
		RuleHits:  make(map[string]int64),
	}
	for _, rec := range records[1:] {
		ts, err := time.Parse(time.RFC3339Nano, rec[1])
		if err != nil {
			return nil, fmt.Errorf("%s: bad timestamp %q: %w", path, rec[1], err)
		}
		if s.First.IsZero() || ts.Before(s.First) {
			s.First = ts
		}
		if ts.After(s.Last) {
			s.Last = ts
		}
		s.Frames++
		s.Protocols[rec[3]]++
		n := int64(len(rec[4]) / 2)
		if rec[2] == "A->B" {
			s.BytesAToB += n
		} else {
			s.BytesBToA += n
		}
		if rec[5] != "" {
			s.Modified++
		}
		if rec[7] != "" && rec[7] != "inject" {
			s.RuleHits[rec[7]]++
		}
		if rec[8] == "true" {
			s.Errors++
		}
	}

	digest, size, err := common.Sha256OfFile(path)
	if err != nil {
		return nil, err
	}
	s.Digest = digest
	s.SizeBytes = size
	return s, nil
}

// SaveSessionJSON writes the session summary as indented JSON.
func SaveSessionJSON(s *Session, out string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

// LoadSessionJSON reads a previously saved session summary.
func LoadSessionJSON(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
