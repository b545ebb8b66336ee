package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bundle is an exportable, self-verifying slice of the trail.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle packages the entries matching the filter for archival.
func (l *Log) ExportBundle(f Filter) (*Bundle, error) {
	entries := l.Query(f)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries match filter")
	}

	b := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	data, err := json.Marshal(b.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle entries: %w", err)
	}
	b.BundleHash = hashBytes(data)
	return b, nil
}

// VerifyBundle checks a bundle's content hash and internal chain.
func VerifyBundle(b *Bundle) error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	data, _ := json.Marshal(b.Entries)
	if hashBytes(data) != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	for i := 1; i < len(b.Entries); i++ {
		if b.Entries[i].PreviousHash != b.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle entry %d", ErrChainBroken, i)
		}
	}
	return nil
}
