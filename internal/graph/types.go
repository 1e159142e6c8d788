// Package graph holds the domain types shared by every layer of the store:
// the node/edge/reference records, their enums, and the structured error
// sum type callers see instead of substrate-specific strings.
package graph

import (
	"regexp"
	"time"
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// idPattern is the validation regex for NodeID and all other entity ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidID reports whether id matches the required `^[A-Za-z0-9_-]+$`,
// 1..100 byte shape.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NodeType classifies a Node per §3 of the data model.
type NodeType string

const (
	NodeTypeNode      NodeType = "node"
	NodeTypeField     NodeType = "field"
	NodeTypeReference NodeType = "reference"
)

const (
	MaxNameBytes     = 1000
	MaxContentBytes  = 1_000_000
	MaxFieldsBytes   = 100_000
	MaxMetadataBytes = 100_000
)

// Node is the normalized, validated graph vertex stored by the engine.
type Node struct {
	ID           string
	Name         string
	Content      string
	DocType      string
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	NodeType     NodeType
	IsSystemNode bool
	FieldsJSON   string // JSON-encoded map[string]any, <= MaxFieldsBytes
	MetadataJSON string // JSON-encoded map[string]any, <= MaxMetadataBytes
}

// NodePatch carries a partial update for UpdateNode. Nil fields are left
// untouched. ID and CreatedAt can never be patched.
type NodePatch struct {
	Name         *string
	Content      *string
	DocType      *string
	OwnerID      *string
	NodeType     *NodeType
	IsSystemNode *bool
	FieldsJSON   *string
	MetadataJSON *string
}

// HierarchyEdge is an ordered parent->child relation carrying a sibling
// position. Positions are a permutation of 0..N-1 per parent after any
// committed transaction (§3 invariant e).
//
// Position is only meaningful when AutoPosition is false: set AutoPosition
// to assign max_position+1 under the parent instead of the literal
// Position value. An explicit Position that collides with an existing
// sibling pushes that sibling and everything after it by +1.
type HierarchyEdge struct {
	ParentID     string
	ChildID      string
	Position     int
	AutoPosition bool
}

// ReferenceType enumerates the recognized Reference.reference_type values.
// "..." in the spec means the set is open; callers may use any short token,
// these four are simply the ones the transformer itself produces.
type ReferenceType string

const (
	ReferenceMention ReferenceType = "mention"
	ReferenceLink    ReferenceType = "link"
	ReferenceTag     ReferenceType = "tag"
	ReferenceRelated ReferenceType = "related"
)

// Reference is a typed, directed, non-hierarchical association between two
// nodes, unique on (SourceID, TargetID, Type).
type Reference struct {
	SourceID      string
	TargetID      string
	ReferenceType string
	Context       string
}

// NodeStats are derived counters, recomputed on demand and never
// authoritative.
type NodeStats struct {
	NodeID            string
	AccessCount       int64
	IncomingRefCount  int64
	DirectChildCount  int64
	Depth             int64
}

// SchemaVersion is a monotone record of one applied migration.
type SchemaVersion struct {
	Version     int
	Description string
	Checksum    string
	AppliedAt   time.Time
}

// ImportStatus enumerates the lifecycle of one ingest session.
type ImportStatus string

const (
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// Import is the optional ledger entry for one ingest session, carried for
// lineage: which file produced which nodes, and whether it succeeded.
type Import struct {
	ID           string
	Filename     string
	FileHash     string
	NodeCount    int64
	StartedAt    time.Time
	EndedAt      time.Time
	Status       ImportStatus
	Error        string
	MetadataJSON string
}
