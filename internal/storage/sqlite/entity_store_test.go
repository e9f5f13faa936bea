package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/pkg/types"
)

func newTestStore(t *testing.T) *EntityStore {
	t.Helper()
	store, err := NewEntityStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntity(id string) *types.LoreEntity {
	now := time.Now().UTC()
	return &types.LoreEntity{
		ID:          id,
		Kind:        types.KindLoreEntry,
		EntityType:  types.EntityCharacter,
		Name:        "Borin Stonehelm",
		Description: "A dwarven blacksmith of the Iron Quarter.",
		SessionNote: "Agreed to reforge the heirloom axe.",
		SessionID:   "session-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func storeEntity(t *testing.T, store *EntityStore, entity *types.LoreEntity) {
	t.Helper()
	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		return ops.StoreEntity(context.Background(), entity)
	})
	if err != nil {
		t.Fatalf("failed to store entity: %v", err)
	}
}

func TestStoreEntity_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	storeEntity(t, store, entity)

	got, err := store.Get(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if got.Name != entity.Name {
		t.Errorf("expected name %q, got %q", entity.Name, got.Name)
	}
	if got.Kind != types.KindLoreEntry {
		t.Errorf("expected kind %v, got %v", types.KindLoreEntry, got.Kind)
	}
	if got.EntityType != types.EntityCharacter {
		t.Errorf("expected entity type %v, got %v", types.EntityCharacter, got.EntityType)
	}
	if got.SessionNote != entity.SessionNote {
		t.Errorf("expected session note %q, got %q", entity.SessionNote, got.SessionNote)
	}
}

func TestStoreEntity_Upsert(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	storeEntity(t, store, entity)

	entity.Description = "A dwarven blacksmith, now exiled from the Iron Quarter."
	entity.UpdatedAt = entity.UpdatedAt.Add(time.Minute)
	storeEntity(t, store, entity)

	got, err := store.Get(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if got.Description != entity.Description {
		t.Errorf("expected updated description, got %q", got.Description)
	}

	entities, err := store.List(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	if len(entities) != 1 {
		t.Errorf("expected 1 entity after upsert, got %d", len(entities))
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "lore:character:missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateNote(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	storeEntity(t, store, entity)

	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		return ops.UpdateNote(context.Background(), entity.ID, "Left for the northern mines.")
	})
	if err != nil {
		t.Fatalf("failed to update note: %v", err)
	}

	got, err := store.Get(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if got.SessionNote != "Left for the northern mines." {
		t.Errorf("expected updated note, got %q", got.SessionNote)
	}
}

func TestUpdateNote_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		return ops.UpdateNote(context.Background(), "lore:character:missing", "note")
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreEmbedding_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	vec := []float32{0.1, -0.2, 0.3, 0.4}

	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		if err := ops.StoreEntity(context.Background(), entity); err != nil {
			return err
		}
		return ops.StoreEmbedding(context.Background(), entity.ID, vec, "nomic-embed-text")
	})
	if err != nil {
		t.Fatalf("failed to store embedding: %v", err)
	}

	got, err := store.GetEmbedding(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("failed to get embedding: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("expected %d dimensions, got %d", len(vec), len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("dimension %d: expected %v, got %v", i, vec[i], got[i])
		}
	}
}

func TestGetEmbedding_NotFound(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	storeEntity(t, store, entity)

	_, err := store.GetEmbedding(context.Background(), entity.ID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteEntity_CascadesEmbedding(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")

	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		if err := ops.StoreEntity(context.Background(), entity); err != nil {
			return err
		}
		return ops.StoreEmbedding(context.Background(), entity.ID, []float32{1, 0}, "nomic-embed-text")
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	err = store.Tx(context.Background(), func(ops storage.EntityOps) error {
		return ops.DeleteEntity(context.Background(), entity.ID)
	})
	if err != nil {
		t.Fatalf("failed to delete entity: %v", err)
	}

	if _, err := store.Get(context.Background(), entity.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected entity gone, got %v", err)
	}
	if _, err := store.GetEmbedding(context.Background(), entity.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected embedding gone, got %v", err)
	}
}

func TestTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	entity := testEntity("lore:character:1")
	boom := errors.New("boom")

	err := store.Tx(context.Background(), func(ops storage.EntityOps) error {
		if err := ops.StoreEntity(context.Background(), entity); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.Get(context.Background(), entity.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected entity rolled back, got %v", err)
	}
}

func TestRecordTurn_Ordering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turn, err := store.LastTurn(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to read last turn: %v", err)
	}
	if turn != 0 {
		t.Errorf("expected turn 0 for fresh session, got %d", turn)
	}

	record := func(n int) error {
		return store.Tx(ctx, func(ops storage.EntityOps) error {
			return ops.RecordTurn(ctx, "session-1", n)
		})
	}

	if err := record(1); err != nil {
		t.Fatalf("failed to record turn 1: %v", err)
	}
	if err := record(2); err != nil {
		t.Fatalf("failed to record turn 2: %v", err)
	}
	if err := record(2); !errors.Is(err, storage.ErrStaleTurn) {
		t.Errorf("expected ErrStaleTurn for replayed turn, got %v", err)
	}
	if err := record(1); !errors.Is(err, storage.ErrStaleTurn) {
		t.Errorf("expected ErrStaleTurn for old turn, got %v", err)
	}

	turn, err = store.LastTurn(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to read last turn: %v", err)
	}
	if turn != 2 {
		t.Errorf("expected last turn 2, got %d", turn)
	}
}

func TestList_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	global := testEntity("lore:location:1")
	global.EntityType = types.EntityLocation
	global.Name = "Iron Quarter"
	global.SessionID = ""
	storeEntity(t, store, global)

	extracted := testEntity("knowledge:1")
	extracted.Kind = types.KindExtractedKnowledge
	extracted.UpdatedAt = extracted.UpdatedAt.Add(time.Minute)
	storeEntity(t, store, extracted)

	other := testEntity("lore:character:2")
	other.SessionID = "session-2"
	storeEntity(t, store, other)

	kind := types.KindExtractedKnowledge
	byKind, err := store.List(ctx, storage.ListOptions{Kind: &kind})
	if err != nil {
		t.Fatalf("failed to list by kind: %v", err)
	}
	if len(byKind) != 1 || byKind[0].ID != extracted.ID {
		t.Errorf("expected only the extracted record, got %d results", len(byKind))
	}

	byType, err := store.List(ctx, storage.ListOptions{EntityType: types.EntityLocation})
	if err != nil {
		t.Fatalf("failed to list by entity type: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != global.ID {
		t.Errorf("expected only the location, got %d results", len(byType))
	}

	// A session filter includes the session's own records plus global lore.
	bySession, err := store.List(ctx, storage.ListOptions{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("failed to list by session: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("expected 2 results for session-1, got %d", len(bySession))
	}
	for _, e := range bySession {
		if e.ID == other.ID {
			t.Errorf("session-2 record leaked into session-1 listing")
		}
	}

	// Most recently updated first.
	all, err := store.List(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	if all[0].ID != extracted.ID {
		t.Errorf("expected most recently updated first, got %s", all[0].ID)
	}
}

func TestDeleteByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeEntity(t, store, testEntity("lore:character:1"))
	extracted := testEntity("knowledge:1")
	extracted.Kind = types.KindExtractedKnowledge
	storeEntity(t, store, extracted)

	n, err := store.DeleteByKind(ctx, types.KindExtractedKnowledge)
	if err != nil {
		t.Fatalf("failed to delete by kind: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	all, err := store.List(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 1 || all[0].Kind != types.KindLoreEntry {
		t.Errorf("expected only the lore entry to survive")
	}
}

func TestDeleteAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeEntity(t, store, testEntity("lore:character:1"))
	err := store.Tx(ctx, func(ops storage.EntityOps) error {
		return ops.RecordTurn(ctx, "session-1", 1)
	})
	if err != nil {
		t.Fatalf("failed to record turn: %v", err)
	}

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("failed to delete all: %v", err)
	}

	all, err := store.List(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty store, got %d entities", len(all))
	}

	turn, err := store.LastTurn(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to read last turn: %v", err)
	}
	if turn != 0 {
		t.Errorf("expected turn journal cleared, got %d", turn)
	}
}
