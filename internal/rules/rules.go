// Package rules implements the spoofing rule engine: an ordered,
// atomically swapped rule set matched against completed frames, byte-level
// substitution, and integrity-field repair for the protocols that carry one.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"example.com/linetap/internal/frame"
)

// ScopeAny applies a rule to every detected protocol its encoding can
// reach.
const ScopeAny = "any"

var (
	ErrNotFound     = errors.New("rule not found")
	ErrDuplicateID  = errors.New("rule id already exists")
	ErrRuleConflict = errors.New("replacement length incompatible with fixed-offset checksum repair")
)

// Rule describes one spoofing substitution. Priority is positional: rules
// are evaluated in list order and the first enabled match wins.
type Rule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Enabled     bool     `json:"enabled"`
	Encoding    Encoding `json:"encoding"`
	Pattern     string   `json:"pattern"`
	Replacement string   `json:"replacement"`
	Scope       string   `json:"scope"`
	IgnoreCase  bool     `json:"ignoreCase,omitempty"`
}

type compiledRule struct {
	rule Rule
	pat  *pattern
	repl *pattern
}

// Set is an immutable snapshot of an ordered rule list. In-flight
// evaluations hold one snapshot and never observe partial edits.
type Set struct {
	compiled []compiledRule
}

// NewSet compiles and validates an ordered rule list.
func NewSet(list []Rule) (*Set, error) {
	s := &Set{compiled: make([]compiledRule, 0, len(list))}
	seen := make(map[string]struct{}, len(list))
	for _, r := range list {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		s.compiled = append(s.compiled, cr)
	}
	return s, nil
}

// Rules returns a copy of the ordered rule list.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.compiled))
	for i, cr := range s.compiled {
		out[i] = cr.rule
	}
	return out
}

// Len returns the number of rules in the snapshot.
func (s *Set) Len() int { return len(s.compiled) }

func compileRule(r Rule) (compiledRule, error) {
	if r.ID == "" {
		return compiledRule{}, errors.New("rule missing id")
	}
	if r.Scope != ScopeAny && !frame.Known(frame.Protocol(r.Scope)) {
		return compiledRule{}, fmt.Errorf("unknown scope %q", r.Scope)
	}
	pat, err := compilePattern(r.Pattern, r.Encoding)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s pattern: %w", r.ID, err)
	}
	repl, err := compilePattern(r.Replacement, r.Encoding)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s replacement: %w", r.ID, err)
	}
	if repl.wildcards() > pat.wildcards() {
		return compiledRule{}, fmt.Errorf("rule %s: replacement has more wildcards than pattern", r.ID)
	}
	if err := checkRepairCompatibility(r, pat, repl); err != nil {
		return compiledRule{}, err
	}
	return compiledRule{rule: r, pat: pat, repl: repl}, nil
}

// checkRepairCompatibility rejects, at configuration time, any rule that
// could rewrite a Modbus RTU frame to a different length: RTU frame lengths
// are derived from the function code, so a length change would desynchronize
// the peer even with a recomputed CRC. Match-time rejection is not allowed.
func checkRepairCompatibility(r Rule, pat, repl *pattern) error {
	reachesRTU := r.Scope == string(frame.ModbusRTU) ||
		(r.Scope == ScopeAny && r.Encoding == EncodingHex)
	if !reachesRTU {
		return nil
	}
	patLen, patFixed := pat.fixedLen()
	replLen, replFixed := repl.fixedLen()
	if !patFixed || !replFixed {
		return fmt.Errorf("rule %s: %w: run wildcards have no fixed length", r.ID, ErrRuleConflict)
	}
	if patLen != replLen {
		return fmt.Errorf("rule %s: %w: pattern is %d bytes, replacement %d", r.ID, ErrRuleConflict, patLen, replLen)
	}
	return nil
}

// scopeCovers reports whether the rule applies to frames of protocol p.
// ASCII-encoded "any" rules only reach text protocols; a text pattern has
// no business rewriting binary frames whose length rules it cannot honor.
func (cr *compiledRule) scopeCovers(p frame.Protocol) bool {
	if cr.rule.Scope != ScopeAny {
		return cr.rule.Scope == string(p)
	}
	if cr.rule.Encoding == EncodingASCII {
		switch p {
		case frame.ModbusRTU, frame.CustomBinary:
			return false
		}
	}
	return true
}

// Store owns the live rule set. Readers take lock-free snapshots; writers
// serialize through a mutex, build a new snapshot and swap it atomically.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Set]
}

// NewStore returns a store holding an empty rule set.
func NewStore() *Store {
	s := &Store{}
	empty, _ := NewSet(nil)
	s.cur.Store(empty)
	return s
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *Set {
	return s.cur.Load()
}

// List returns the current ordered rule list.
func (s *Store) List() []Rule {
	return s.Snapshot().Rules()
}

// Add validates and appends a rule at the lowest priority.
func (s *Store) Add(r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(append(s.Snapshot().Rules(), r))
}

// Update replaces the rule with the given id, keeping its position.
func (s *Store) Update(id string, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.Snapshot().Rules()
	for i := range list {
		if list[i].ID == id {
			if r.ID == "" {
				r.ID = id
			}
			list[i] = r
			return s.replaceLocked(list)
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Remove deletes the rule with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.Snapshot().Rules()
	for i := range list {
		if list[i].ID == id {
			return s.replaceLocked(append(list[:i], list[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

// SetEnabled toggles a rule without recompiling the rest of the set.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.Snapshot().Rules()
	for i := range list {
		if list[i].ID == id {
			list[i].Enabled = enabled
			return s.replaceLocked(list)
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Replace swaps in an entirely new ordered rule list (import).
func (s *Store) Replace(list []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(list)
}

func (s *Store) replaceLocked(list []Rule) error {
	set, err := NewSet(list)
	if err != nil {
		return err
	}
	s.cur.Store(set)
	return nil
}

// LoadFile reads an ordered rule list from a JSON file and installs it.
func (s *Store) LoadFile(path string) error {
	list, err := ReadRuleFile(path)
	if err != nil {
		return err
	}
	return s.Replace(list)
}

// SaveFile writes the current ordered rule list as JSON.
func (s *Store) SaveFile(path string) error {
	data, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadRuleFile parses an ordered rule list from a JSON file.
func ReadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	return list, nil
}
