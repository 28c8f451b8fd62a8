package migrations

import (
	"io/fs"
	"regexp"
	"testing"
)

var metadataColumn = regexp.MustCompile(`(?m)^\s*metadata\s+(\w+)`)

func TestAuditMetadataKeepsBytesVerbatim(t *testing.T) {
	raw, err := fs.ReadFile(FS(), "0002_signature_audit_log.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m := metadataColumn.FindSubmatch(raw)
	if m == nil {
		t.Fatal("metadata column not found")
	}
	if got := string(m[1]); got != "json" && got != "text" {
		t.Fatalf("metadata column type %q would not preserve hashed bytes", got)
	}
}
