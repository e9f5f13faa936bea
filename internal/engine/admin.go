package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/storyloom/mnemosyne/internal/index"
	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/pkg/types"
)

// ClearAll wipes the record store and the index together, then snapshots the
// empty index so a restart cannot resurrect stale vectors.
func (o *Orchestrator) ClearAll(ctx context.Context) error {
	if err := o.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("engine: failed to clear record store: %w", err)
	}
	o.index.Clear()
	o.persistAfterAdmin()
	return nil
}

// ClearKind removes every record of one vector record class from both the
// store and the index. Returns the number of records removed from the store.
func (o *Orchestrator) ClearKind(ctx context.Context, kind types.EntryKind) (int, error) {
	n, err := o.store.DeleteByKind(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to clear kind %s: %w", kind, err)
	}
	removed := o.index.ClearKind(kind)
	if removed != n {
		log.Printf("WARNING: engine: cleared %d %s records but %d index entries", n, kind, removed)
	}
	o.persistAfterAdmin()
	return n, nil
}

// DeleteEntity removes one record from the store (cascading its mirrored
// embedding) and from the index, then snapshots. Returns
// storage.ErrNotFound when no record has the id.
func (o *Orchestrator) DeleteEntity(ctx context.Context, id string) error {
	entity, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	err = o.store.Tx(ctx, func(txOps storage.EntityOps) error {
		return txOps.DeleteEntity(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("engine: failed to delete %s: %w", id, err)
	}
	if err := o.index.Remove(kindKey(entity)); err != nil {
		log.Printf("WARNING: engine: record %s deleted but index removal failed: %v", id, err)
	}
	o.persistAfterAdmin()
	return nil
}

// IndexStats reports the index's observable state.
func (o *Orchestrator) IndexStats() index.Stats {
	return o.index.Stats()
}

// DetectUnmapped reports slots holding vectors with no logical mapping.
func (o *Orchestrator) DetectUnmapped() index.UnmappedReport {
	return o.index.DetectUnmapped()
}

// CleanUnmapped compacts unmapped slots out of the index and snapshots the
// result. Returns the number of slots reclaimed.
func (o *Orchestrator) CleanUnmapped() (int, error) {
	n, err := o.index.CleanUnmapped()
	if err != nil {
		return 0, fmt.Errorf("engine: failed to clean unmapped slots: %w", err)
	}
	if n > 0 {
		o.persistAfterAdmin()
	}
	return n, nil
}

// RebuildMappings reconciles the index's per-kind lookup structures with the
// slot map.
func (o *Orchestrator) RebuildMappings() {
	o.index.RebuildMappings()
}

// DetectOrphanRecords returns the ids of stored entities that have no index
// mapping. These are records whose index insert was lost (crash between
// commit and snapshot, or an interrupted recovery) and that vector search
// can no longer reach.
func (o *Orchestrator) DetectOrphanRecords(ctx context.Context) ([]string, error) {
	entities, err := o.store.List(ctx, storage.ListOptions{Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list records: %w", err)
	}

	var orphans []string
	for i := range entities {
		if !o.index.Contains(kindKey(&entities[i])) {
			orphans = append(orphans, entities[i].ID)
		}
	}
	return orphans, nil
}

// ReindexOrphans re-embeds and re-inserts orphaned records using their
// mirrored embeddings, repairing drift found by DetectOrphanRecords without
// any model calls. Returns the number of records reindexed.
func (o *Orchestrator) ReindexOrphans(ctx context.Context) (int, error) {
	orphans, err := o.DetectOrphanRecords(ctx)
	if err != nil {
		return 0, err
	}

	reindexed := 0
	for _, id := range orphans {
		entity, err := o.store.Get(ctx, id)
		if err != nil {
			return reindexed, fmt.Errorf("engine: failed to load orphan %s: %w", id, err)
		}
		embedding, err := o.store.GetEmbedding(ctx, id)
		if err != nil {
			log.Printf("WARNING: engine: orphan %s has no mirrored embedding, skipping", id)
			continue
		}
		if _, err := o.index.Add(kindKey(entity), embedding); err != nil {
			return reindexed, fmt.Errorf("engine: failed to reindex %s: %w", id, err)
		}
		reindexed++
	}

	if reindexed > 0 {
		o.persistAfterAdmin()
	}
	return reindexed, nil
}

// persistAfterAdmin snapshots the index after an administrative mutation.
// Failures are logged, not returned: the in-memory state is already correct.
func (o *Orchestrator) persistAfterAdmin() {
	if o.snapshotDir == "" {
		return
	}
	if err := o.index.Persist(o.snapshotDir); err != nil {
		log.Printf("WARNING: engine: failed to persist index snapshot: %v", err)
	}
}
