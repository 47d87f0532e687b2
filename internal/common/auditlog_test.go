package common

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	al := NewAuditLog(path)

	first := AuditEntry{
		Seq:       1,
		RuleID:    "r1",
		Direction: "A->B",
		BeforeHex: "010300000002C40B",
		AfterHex:  "01030000000AC5CD",
		Ts:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	if err := al.Append(first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := al.Append(AuditEntry{Seq: 2, RuleID: "r2", Direction: "B->A", BeforeHex: "41", AfterHex: "42"}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	entries, err := ReadAuditLog(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0] != first {
		t.Fatalf("first entry mismatch: %+v", entries[0])
	}
	if entries[1].Ts.IsZero() {
		t.Fatalf("expected append to stamp a timestamp")
	}

	before, err := entries[0].BeforeBytes()
	if err != nil {
		t.Fatalf("before bytes: %v", err)
	}
	if !bytes.Equal(before, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}) {
		t.Fatalf("unexpected before bytes: %X", before)
	}
	after, err := entries[1].AfterBytes()
	if err != nil {
		t.Fatalf("after bytes: %v", err)
	}
	if !bytes.Equal(after, []byte{0x42}) {
		t.Fatalf("unexpected after bytes: %X", after)
	}
}

func TestAuditLogRejectsMissingRuleID(t *testing.T) {
	al := NewAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err := al.Append(AuditEntry{Seq: 1, Direction: "A->B"}); err == nil {
		t.Fatalf("expected error for missing rule id")
	}
}
