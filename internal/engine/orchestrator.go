// Package engine orchestrates the memory core: it turns per-conversation-turn
// operation batches into atomic mutations of the record store and the vector
// index, and answers retrieval queries through the rerank pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/storyloom/mnemosyne/internal/cache"
	"github.com/storyloom/mnemosyne/internal/index"
	"github.com/storyloom/mnemosyne/internal/llm"
	"github.com/storyloom/mnemosyne/internal/rerank"
	"github.com/storyloom/mnemosyne/internal/resolve"
	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/pkg/types"
)

const (
	// DefaultEmbedRetries bounds embedding attempts before a turn aborts.
	DefaultEmbedRetries = 3

	// DefaultCandidateLimit is how many hits retrieval pulls from the index
	// before the rerank pipeline narrows them.
	DefaultCandidateLimit = 100

	// embedRetryBackoff is the pause between embedding attempts.
	embedRetryBackoff = 200 * time.Millisecond

	// resolvePoolLimit caps how many stored entities feed one resolution.
	resolvePoolLimit = 500
)

// Config wires the orchestrator's collaborators. Store, Index, and Embedder
// are required; the rest default sensibly.
type Config struct {
	Store    storage.EntityStore
	Index    *index.Store
	Cache    *cache.EmbeddingCache
	Resolver *resolve.Resolver
	Embedder llm.Embedder
	Pipeline *rerank.Pipeline

	// Provider names the model provider for cache keying (default: "ollama").
	Provider string

	// SnapshotDir is where index snapshots persist after each committed
	// turn. Empty disables snapshotting (tests, ephemeral indexes).
	SnapshotDir string

	EmbedRetries   int
	CandidateLimit int

	// FinalKeep caps how many results Retrieve returns when no rerank
	// pipeline is configured (default: rerank.DefaultFinalKeep).
	FinalKeep int
}

// Validate checks required collaborators and applies defaults.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("%w: entity store is required", storage.ErrInvalidInput)
	}
	if c.Index == nil {
		return fmt.Errorf("%w: vector index is required", storage.ErrInvalidInput)
	}
	if c.Embedder == nil {
		return fmt.Errorf("%w: embedder is required", storage.ErrInvalidInput)
	}
	if c.Resolver == nil {
		c.Resolver = resolve.NewResolver(resolve.DefaultThreshold)
	}
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.EmbedRetries <= 0 {
		c.EmbedRetries = DefaultEmbedRetries
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = DefaultCandidateLimit
	}
	if c.FinalKeep <= 0 {
		c.FinalKeep = rerank.DefaultFinalKeep
	}
	return nil
}

// Orchestrator coordinates the record store, the vector index, and the model
// clients. All model calls happen outside the index lock; the index sees only
// finished vectors.
type Orchestrator struct {
	store    storage.EntityStore
	index    *index.Store
	cache    *cache.EmbeddingCache
	resolver *resolve.Resolver
	embedder llm.Embedder
	pipeline *rerank.Pipeline

	provider       string
	snapshotDir    string
	embedRetries   int
	candidateLimit int
	finalKeep      int

	sessions *sessionLocks
}

// New builds an orchestrator and, when a snapshot directory is configured,
// restores the index from the latest snapshot on disk.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:          cfg.Store,
		index:          cfg.Index,
		cache:          cfg.Cache,
		resolver:       cfg.Resolver,
		embedder:       cfg.Embedder,
		pipeline:       cfg.Pipeline,
		provider:       cfg.Provider,
		snapshotDir:    cfg.SnapshotDir,
		embedRetries:   cfg.EmbedRetries,
		candidateLimit: cfg.CandidateLimit,
		finalKeep:      cfg.FinalKeep,
		sessions:       newSessionLocks(),
	}

	if o.snapshotDir != "" {
		loaded, err := o.index.Load(o.snapshotDir)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to load index snapshot: %w", err)
		}
		if loaded {
			stats := o.index.Stats()
			log.Printf("engine: restored index snapshot (%d vectors, %d mapped)",
				stats.TotalVectors, stats.MappedCount)
		}
	}

	return o, nil
}

// stagedMutation is one fully-prepared write: its SQL effect and its index
// effect, with everything expensive (resolution, embedding) already done.
type stagedMutation struct {
	outcome types.OperationOutcome
	entity  *types.LoreEntity // full record for creates, updated record for updates
	vector  []float32
}

// inverseOp undoes one applied index mutation.
type inverseOp func()

// ProcessTurn applies one turn's operation batch atomically. The batch either
// commits as a whole, with store, index, and turn journal advancing
// together, or rolls back as a whole. Partial success is never reported.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID string, turn int, ops []types.MemoryOperation) (*types.TransactionResult, error) {
	result := &types.TransactionResult{
		SessionID:  sessionID,
		TurnNumber: turn,
		State:      types.TxPending,
	}

	if sessionID == "" {
		return o.rollback(result, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput))
	}
	if turn <= 0 {
		return o.rollback(result, fmt.Errorf("%w: turn number must be positive", storage.ErrInvalidInput))
	}

	lock := o.sessions.acquire(sessionID)
	defer lock.Unlock()

	last, err := o.store.LastTurn(ctx, sessionID)
	if err != nil {
		return o.rollback(result, fmt.Errorf("engine: failed to read turn journal: %w", err))
	}
	if turn <= last {
		return o.rollback(result, fmt.Errorf("%w: turn %d <= last committed %d", storage.ErrStaleTurn, turn, last))
	}

	// Phase 1: resolve targets and embed composite documents. All model
	// calls happen here, before anything is written and outside the index
	// lock. Any failure aborts the whole turn.
	result.State = types.TxResolving
	staged := make([]stagedMutation, 0, len(ops))
	for i, op := range ops {
		m, err := o.stageOperation(ctx, sessionID, op)
		if err != nil {
			return o.rollback(result, fmt.Errorf("engine: operation %d: %w", i, err))
		}
		staged = append(staged, *m)
	}

	// Phase 2: one SQL transaction carrying every record write plus the turn
	// journal advance, with the index mutations applied inside it. An index
	// failure rolls the SQL back; a SQL failure reverts the applied index
	// mutations.
	result.State = types.TxMutating
	var applied []inverseOp
	err = o.store.Tx(ctx, func(txOps storage.EntityOps) error {
		for _, m := range staged {
			// Updates only ever revise the session note, so they take the
			// narrow write path; creates insert the full record.
			if m.outcome.Kind == types.OutcomeUpdated {
				if err := txOps.UpdateNote(ctx, m.entity.ID, m.entity.SessionNote); err != nil {
					return err
				}
			} else {
				if err := txOps.StoreEntity(ctx, m.entity); err != nil {
					return err
				}
			}
			if err := txOps.StoreEmbedding(ctx, m.entity.ID, m.vector, o.embedder.GetModel()); err != nil {
				return err
			}
		}
		if err := txOps.RecordTurn(ctx, sessionID, turn); err != nil {
			return err
		}

		for _, m := range staged {
			key := index.VectorKey{Kind: m.entity.Kind, ID: m.entity.ID}
			prev, existed := o.index.Vector(key)
			if _, err := o.index.Add(key, m.vector); err != nil {
				return fmt.Errorf("index apply failed: %w", err)
			}
			if existed {
				applied = append(applied, func() {
					if err := o.index.Update(key, prev); err != nil {
						log.Printf("ERROR: engine: failed to revert index update for %s: %v", key.ID, err)
					}
				})
			} else {
				applied = append(applied, func() {
					if err := o.index.Remove(key); err != nil {
						log.Printf("ERROR: engine: failed to revert index add for %s: %v", key.ID, err)
					}
				})
			}
		}
		return nil
	})
	if err != nil {
		// Unwind in reverse application order.
		for i := len(applied) - 1; i >= 0; i-- {
			applied[i]()
		}
		return o.rollback(result, err)
	}

	// Phase 3: snapshot. Failure here never un-commits the turn.
	if o.snapshotDir != "" {
		if err := o.index.Persist(o.snapshotDir); err != nil {
			log.Printf("WARNING: engine: failed to persist index snapshot: %v", err)
		}
	}

	result.State = types.TxCommitted
	result.Committed = true
	for _, m := range staged {
		result.Outcomes = append(result.Outcomes, m.outcome)
	}
	return result, nil
}

// stageOperation validates and fully prepares one operation: target resolved,
// record built, composite document embedded.
func (o *Orchestrator) stageOperation(ctx context.Context, sessionID string, op types.MemoryOperation) (*stagedMutation, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	switch op.Type {
	case types.OpUpdate:
		return o.stageUpdate(ctx, sessionID, op)
	case types.OpCreate:
		return o.stageCreate(ctx, sessionID, op)
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", storage.ErrInvalidInput, op.Type)
	}
}

func (o *Orchestrator) stageUpdate(ctx context.Context, sessionID string, op types.MemoryOperation) (*stagedMutation, error) {
	targetID := op.EntityID
	if targetID == "" {
		match, err := o.resolveTarget(ctx, sessionID, op.Description)
		if err != nil {
			return nil, err
		}
		if match == nil {
			// No stored entity matches the description confidently enough.
			// The knowledge is still worth keeping, so the update degrades
			// to creating an extracted-knowledge record.
			return o.stageDegradedCreate(ctx, sessionID, op)
		}
		targetID = match.ID
	}

	entity, err := o.store.Get(ctx, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: update target %s not found", storage.ErrNotFound, targetID)
		}
		return nil, err
	}

	entity.SessionNote = op.NewNote
	entity.UpdatedAt = time.Now().UTC()

	vector, err := o.embedText(ctx, entity.CompositeDocument())
	if err != nil {
		return nil, err
	}

	return &stagedMutation{
		outcome: types.OperationOutcome{Kind: types.OutcomeUpdated, EntityID: entity.ID},
		entity:  entity,
		vector:  vector,
	}, nil
}

func (o *Orchestrator) stageCreate(ctx context.Context, sessionID string, op types.MemoryOperation) (*stagedMutation, error) {
	now := time.Now().UTC()
	entity := &types.LoreEntity{
		ID:          newEntityID(op.EntityType),
		Kind:        types.KindLoreEntry,
		EntityType:  op.EntityType,
		Name:        op.Name,
		Description: op.Description,
		SessionNote: op.NewNote,
		SessionID:   sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	vector, err := o.embedText(ctx, entity.CompositeDocument())
	if err != nil {
		return nil, err
	}

	return &stagedMutation{
		outcome: types.OperationOutcome{Kind: types.OutcomeCreated, EntityID: entity.ID},
		entity:  entity,
		vector:  vector,
	}, nil
}

// stageDegradedCreate turns an unresolvable update into an extracted-knowledge
// record so the note survives even without a confident target.
func (o *Orchestrator) stageDegradedCreate(ctx context.Context, sessionID string, op types.MemoryOperation) (*stagedMutation, error) {
	now := time.Now().UTC()
	entity := &types.LoreEntity{
		ID:          "knowledge:" + uuid.NewString(),
		Kind:        types.KindExtractedKnowledge,
		EntityType:  types.EntityConcept,
		Name:        titleFromDescription(op.Description),
		Description: op.Description,
		SessionNote: op.NewNote,
		SessionID:   sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	vector, err := o.embedText(ctx, entity.CompositeDocument())
	if err != nil {
		return nil, err
	}

	return &stagedMutation{
		outcome: types.OperationOutcome{
			Kind:     types.OutcomeCreated,
			EntityID: entity.ID,
			Detail:   "no entity matched the description; stored as extracted knowledge",
		},
		entity: entity,
		vector: vector,
	}, nil
}

// resolveTarget matches a free-text description against the session's stored
// entities. Only entities with a mirrored embedding participate.
func (o *Orchestrator) resolveTarget(ctx context.Context, sessionID, description string) (*resolve.EntityMatch, error) {
	entities, err := o.store.List(ctx, storage.ListOptions{
		SessionID: sessionID,
		Limit:     resolvePoolLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: failed to build resolution pool: %w", err)
	}

	pool := make([]resolve.Candidate, 0, len(entities))
	for _, e := range entities {
		embedding, err := o.store.GetEmbedding(ctx, e.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("engine: failed to load candidate embedding: %w", err)
		}
		pool = append(pool, resolve.Candidate{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Embedding:   embedding,
			UpdatedAt:   e.UpdatedAt,
		})
	}

	return o.resolver.Resolve(ctx, description, pool, o.embedText)
}

// embedText produces an embedding for text through the cache, retrying
// transient failures a bounded number of times. The vector's dimension is
// checked against the index before anything downstream sees it.
func (o *Orchestrator) embedText(ctx context.Context, text string) ([]float32, error) {
	key := cache.MakeKey(text, o.provider, o.embedder.GetModel())
	if o.cache != nil {
		if vec, ok := o.cache.Get(key); ok {
			return vec, nil
		}
	}

	var vec []float32
	var err error
	for attempt := 1; attempt <= o.embedRetries; attempt++ {
		vec, err = o.embedder.Embed(ctx, text)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < o.embedRetries {
			log.Printf("WARNING: engine: embedding attempt %d/%d failed: %v", attempt, o.embedRetries, err)
			time.Sleep(embedRetryBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %d attempts exhausted: %v", llm.ErrEmbeddingFailed, o.embedRetries, err)
	}

	if len(vec) != o.index.Dimension() {
		return nil, fmt.Errorf("%w: model returned %d dimensions, index expects %d",
			index.ErrDimensionMismatch, len(vec), o.index.Dimension())
	}

	if o.cache != nil {
		o.cache.Put(key, vec)
	}
	return vec, nil
}

// rollback finalizes a failed transaction result.
func (o *Orchestrator) rollback(result *types.TransactionResult, err error) (*types.TransactionResult, error) {
	result.State = types.TxRolledBack
	result.Committed = false
	result.Err = err.Error()
	return result, err
}

// newEntityID mints a lore entity identifier: lore:<type>:<uuid>.
func newEntityID(entityType types.EntityType) string {
	return fmt.Sprintf("lore:%s:%s", strings.ToLower(string(entityType)), uuid.NewString())
}

// titleFromDescription derives a display name from free text. Truncation
// counts runes so a multi-byte character is never split.
func titleFromDescription(description string) string {
	const maxLen = 60
	title := strings.TrimSpace(description)
	if idx := strings.IndexAny(title, ".\n"); idx > 0 {
		title = title[:idx]
	}
	if utf8.RuneCountInString(title) > maxLen {
		title = string([]rune(title)[:maxLen])
	}
	return title
}
