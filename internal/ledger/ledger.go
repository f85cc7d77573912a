// Package ledger defines the domain types for the append-only, hash-chained
// memory ledger: entries linked per (user, agent) chain via prev_hash, and
// batches that aggregate entry hashes under a single root hash for anchoring.
package ledger

import (
	"encoding/json"
	"time"
)

// EntryType is the closed set of accepted entry kinds.
type EntryType string

const (
	EntryTypeMemory        EntryType = "memory"
	EntryTypeContext       EntryType = "context"
	EntryTypeExperience    EntryType = "experience"
	EntryTypeConsolidation EntryType = "consolidation"
	EntryTypeAnchorMemory  EntryType = "anchor_memory"
)

// EntryTypes lists all accepted entry types in declaration order.
var EntryTypes = []EntryType{
	EntryTypeMemory,
	EntryTypeContext,
	EntryTypeExperience,
	EntryTypeConsolidation,
	EntryTypeAnchorMemory,
}

// Valid reports whether t is in the accepted set.
func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeMemory, EntryTypeContext, EntryTypeExperience,
		EntryTypeConsolidation, EntryTypeAnchorMemory:
		return true
	}
	return false
}

// Entry is a committed ledger row. body_json, body_hash and prev_hash are
// immutable once written; only batch_id transitions, once, from nil to a value.
type Entry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	AgentID   string          `json:"agent_id"`
	EntryType EntryType       `json:"entry_type"`
	Body      json.RawMessage `json:"body_json"`
	BodyHash  string          `json:"body_hash"`
	PrevHash  *string         `json:"prev_hash"`
	BatchID   *string         `json:"batch_id,omitempty"`
	Shared    bool            `json:"shared"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEntry is a submission before hashing and persistence. UserID comes from
// the authenticated principal, never from the request body.
type NewEntry struct {
	UserID         string
	AgentID        string
	EntryType      EntryType
	Body           json.RawMessage
	Shared         bool
	IdempotencyKey string
}

// Receipt is the minimal confirmation returned to producers.
type Receipt struct {
	ID       string  `json:"id"`
	BodyHash string  `json:"body_hash"`
	PrevHash *string `json:"prev_hash"`
}

// Batch aggregates a set of entries under one root hash. l2_tx and
// l2_block_number are opaque external anchor references, attached post-hoc.
type Batch struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	RootHash      string    `json:"root_hash"`
	EntryCount    int       `json:"entry_count"`
	FromID        *string   `json:"from_id,omitempty"`
	ToID          *string   `json:"to_id,omitempty"`
	L2Tx          *string   `json:"l2_tx,omitempty"`
	L2BlockNumber *int64    `json:"l2_block_number,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationRow is the derived, read-only projection of an entry joined to
// its batch. It has no lifecycle of its own and is never a write source.
type VerificationRow struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	AgentID       string          `json:"agent_id"`
	EntryType     EntryType       `json:"entry_type"`
	Body          json.RawMessage `json:"body_json"`
	BodyHash      string          `json:"body_hash"`
	PrevHash      *string         `json:"prev_hash"`
	BatchID       *string         `json:"batch_id,omitempty"`
	Shared        bool            `json:"shared"`
	CreatedAt     time.Time       `json:"created_at"`
	RootHash      *string         `json:"root_hash,omitempty"`
	L2Tx          *string         `json:"l2_tx,omitempty"`
	L2BlockNumber *int64          `json:"l2_block_number,omitempty"`
}

// EntryFilter narrows entry and verification listings.
type EntryFilter struct {
	AgentID   string
	EntryType EntryType
	BatchID   string
	Limit     int
}
