package middleware

import "github.com/go-go-golems/turnkit/pkg/turns"

// SnapshotBlockIDs returns the set of block IDs present in t.
func SnapshotBlockIDs(t *turns.Turn) map[string]struct{} {
	ids := map[string]struct{}{}
	if t == nil {
		return ids
	}
	for _, b := range t.Blocks {
		if b.ID != "" {
			ids[b.ID] = struct{}{}
		}
	}
	return ids
}

// NewBlocksNotIn returns blocks of t whose ID is not in the baseline.
// Blocks without an ID are considered new.
func NewBlocksNotIn(t *turns.Turn, baseline map[string]struct{}) []turns.Block {
	if t == nil {
		return nil
	}
	var out []turns.Block
	for _, b := range t.Blocks {
		if b.ID == "" {
			out = append(out, b)
			continue
		}
		if _, ok := baseline[b.ID]; !ok {
			out = append(out, b)
		}
	}
	return out
}
