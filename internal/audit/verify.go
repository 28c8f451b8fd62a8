package audit

import (
	"fmt"

	"qazna.org/esign/internal/envelope"
)

// ChainError describes the first entry at which a chain stops verifying.
type ChainError struct {
	EnvelopeID string
	Index      int
	EntryID    string
	Reason     string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken for %s at entry %d (%s): %s", e.EnvelopeID, e.Index, e.EntryID, e.Reason)
}

// Verify checks that entries (in append order) form an intact chain for
// envelopeID: hashes recompute from their stated inputs and every entry links
// to its predecessor.
func Verify(envelopeID string, entries []envelope.AuditEntry) error {
	prev := ""
	for i, entry := range entries {
		fail := func(reason string) error {
			return &ChainError{EnvelopeID: envelopeID, Index: i, EntryID: entry.ID, Reason: reason}
		}
		if entry.SignatureID != envelopeID {
			return fail("entry belongs to " + entry.SignatureID)
		}
		if entry.PreviousHash != prev {
			return fail("previous hash does not match predecessor")
		}
		meta, err := Canonicalize(entry.Metadata)
		if err != nil {
			return fail("metadata is not valid JSON")
		}
		want := ComputeHash(entry.PreviousHash, entry.SignatureID, entry.Action, entry.Actor, entry.CreatedAt, meta)
		if want != entry.EntryHash {
			return fail("entry hash does not match contents")
		}
		prev = entry.EntryHash
	}
	return nil
}
