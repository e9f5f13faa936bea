package types

import "fmt"

// OperationType discriminates the MemoryOperation variant.
type OperationType string

const (
	// OpUpdate revises an existing entity's session note (target resolved by
	// description when no explicit entity ID is given).
	OpUpdate OperationType = "update"

	// OpCreate introduces a new entity discovered during the turn.
	OpCreate OperationType = "create"
)

// MemoryOperation is one requested memory mutation within a turn. It is a
// tagged variant: Update fields are meaningful only when Type == OpUpdate,
// Create fields only when Type == OpCreate. Validate enforces the split.
type MemoryOperation struct {
	Type OperationType `json:"type"`

	// Update variant
	EntityID    string `json:"entity_id,omitempty"`   // Explicit target ("" = resolve by description)
	Description string `json:"description,omitempty"` // Free-text description of the target entity
	NewNote     string `json:"new_note,omitempty"`    // Replacement session note

	// Create variant
	EntityType EntityType `json:"entity_type,omitempty"` // Closed set, validated before commit
	Name       string     `json:"name,omitempty"`        // Name for the new entity
}

// Validate checks the variant invariants without touching any store.
func (op *MemoryOperation) Validate() error {
	switch op.Type {
	case OpUpdate:
		if op.EntityID == "" && op.Description == "" {
			return fmt.Errorf("update operation requires an entity id or a description")
		}
		return nil
	case OpCreate:
		if !ValidEntityType(op.EntityType) {
			return fmt.Errorf("create operation has invalid entity type %q", op.EntityType)
		}
		if op.Name == "" {
			return fmt.Errorf("create operation requires a name")
		}
		if op.Description == "" {
			return fmt.Errorf("create operation requires a description")
		}
		return nil
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// MemoryTransaction is the ordered batch of operations produced by one
// conversational turn. It is the unit of atomic commit and rollback.
type MemoryTransaction struct {
	SessionID  string            `json:"session_id"`
	TurnNumber int               `json:"turn_number"`
	Operations []MemoryOperation `json:"operations"`
}

// TransactionState tracks a transaction through the orchestrator's state
// machine: Pending -> Resolving -> Mutating -> Committed, or RolledBack from
// any intermediate state.
type TransactionState string

const (
	TxPending    TransactionState = "pending"
	TxResolving  TransactionState = "resolving"
	TxMutating   TransactionState = "mutating"
	TxCommitted  TransactionState = "committed"
	TxRolledBack TransactionState = "rolled_back"
)

// OutcomeKind classifies what happened to a single operation.
type OutcomeKind string

const (
	OutcomeUpdated  OutcomeKind = "updated"  // Existing entity's note replaced
	OutcomeCreated  OutcomeKind = "created"  // New entity persisted and indexed
	OutcomeRejected OutcomeKind = "rejected" // Operation failed validation or execution
)

// OperationOutcome reports the result of one operation within a committed or
// rolled-back transaction.
type OperationOutcome struct {
	Kind     OutcomeKind `json:"kind"`
	EntityID string      `json:"entity_id,omitempty"` // Target or newly-minted entity id
	Detail   string      `json:"detail,omitempty"`    // Human-readable context (e.g. rejection reason)
}

// TransactionResult is the single result reported for a whole transaction.
// Committed is false whenever any part of the batch failed irrecoverably;
// partial success is never reported.
type TransactionResult struct {
	SessionID  string             `json:"session_id"`
	TurnNumber int                `json:"turn_number"`
	State      TransactionState   `json:"state"`
	Committed  bool               `json:"committed"`
	Outcomes   []OperationOutcome `json:"outcomes"`
	Err        string             `json:"error,omitempty"` // Failure reason when rolled back
}
