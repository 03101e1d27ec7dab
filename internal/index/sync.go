package index

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
)

// SyncStats counts the effect of a Sync
type SyncStats struct {
	Experiments int
	Indexed     int
	Pruned      int64
}

// Sync mirrors every valid record of the store and drops entries whose recorder is gone
// or no longer valid
func (x *Index) Sync(ctx context.Context, st *store.Store) (SyncStats, error) {
	var stats SyncStats
	experiments, err := st.ListExperiments()
	if err != nil {
		return stats, err
	}
	for _, exp := range experiments {
		records, _, err := st.ValidRecords(exp.Name)
		if err != nil {
			return stats, fmt.Errorf("experiment %s: %w", exp.Name, err)
		}
		entries := make([]Entry, 0, len(records))
		keep := make([]string, 0, len(records))
		for _, rec := range records {
			entries = append(entries, EntryFromRecord(rec))
			keep = append(keep, rec.ID)
		}
		if err := x.Upsert(ctx, entries); err != nil {
			return stats, err
		}
		pruned, err := x.Prune(ctx, exp.Name, keep)
		if err != nil {
			return stats, err
		}
		stats.Experiments++
		stats.Indexed += len(entries)
		stats.Pruned += pruned
	}
	log.Info().Int("experiments", stats.Experiments).Int("indexed", stats.Indexed).Int64("pruned", stats.Pruned).Msg("Record index synchronized")
	return stats, nil
}
