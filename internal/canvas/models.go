// Package canvas persists Momento projects and their graphs (blocks and
// relations), the canvas snapshot cache, project members and invitations on
// top of a kv.Store.
package canvas

import (
	"encoding/json"
	"time"
)

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectTemplate ProjectStatus = "template"
)

func (s ProjectStatus) valid() bool {
	switch s {
	case ProjectActive, ProjectArchived, ProjectTemplate:
		return true
	}
	return false
}

type Project struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Type        string        `json:"type"`
	Status      ProjectStatus `json:"status"`
	OwnerID     string        `json:"ownerId"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type BlockType string

const (
	BlockStandard     BlockType = "standard"
	BlockLogic        BlockType = "logic"
	BlockClaude       BlockType = "claude"
	BlockClaudeFigma  BlockType = "claude-figma"
	BlockClaudeNotion BlockType = "claude-notion"
	BlockNotion       BlockType = "notion"
	BlockFigma        BlockType = "figma"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Port is a typed input or output handle on a block.
type Port struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"`
}

type Block struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Title     string         `json:"title"`
	Type      BlockType      `json:"type"`
	Status    string         `json:"status,omitempty"`
	Position  Position       `json:"position"`
	Config    map[string]any `json:"config,omitempty"`
	Inputs    []Port         `json:"inputs,omitempty"`
	Outputs   []Port         `json:"outputs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Node is the canvas node this block was last saved from. Fields the
	// block does not model survive a snapshot rebuild through it.
	Node      json.RawMessage `json:"node,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type RelationType string

const (
	RelationInspire    RelationType = "inspire"
	RelationCause      RelationType = "cause"
	RelationSupport    RelationType = "support"
	RelationDepend     RelationType = "depend"
	RelationContradict RelationType = "contradict"
)

func (t RelationType) valid() bool {
	switch t {
	case RelationInspire, RelationCause, RelationSupport, RelationDepend, RelationContradict:
		return true
	}
	return false
}

// Relation is a directed edge between two blocks of the same project. Cycles
// are allowed.
type Relation struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	SourceBlockID string         `json:"sourceBlockId"`
	TargetBlockID string         `json:"targetBlockId"`
	Type          RelationType   `json:"type"`
	SourceHandle  string         `json:"sourceHandle,omitempty"`
	TargetHandle  string         `json:"targetHandle,omitempty"`
	Style         map[string]any `json:"style,omitempty"`
	Animated      bool           `json:"animated"`
	// Edge is the canvas edge this relation was last saved from.
	Edge      json.RawMessage `json:"edge,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CanvasData is the graph as the editor sends and loads it. Nodes, edges and
// viewport are kept as the exact bytes the client saved.
type CanvasData struct {
	Nodes    json.RawMessage `json:"nodes"`
	Edges    json.RawMessage `json:"edges"`
	Viewport json.RawMessage `json:"viewport,omitempty"`
}

// Snapshot is the cached materialization of a project's graph.
type Snapshot struct {
	ProjectID  string     `json:"projectId"`
	CanvasData CanvasData `json:"canvasData"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) canWrite() bool { return r == RoleOwner || r == RoleEditor }

type MemberStatus string

const (
	MemberPending MemberStatus = "pending"
	MemberInvited MemberStatus = "invited"
	MemberActive  MemberStatus = "active"
)

type Member struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"projectId"`
	Email          string       `json:"email"`
	Role           Role         `json:"role"`
	Status         MemberStatus `json:"status"`
	InvitedBy      string       `json:"invitedBy,omitempty"`
	SupabaseUserID string       `json:"supabaseUserId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Invitation is a single-use acceptance token for an existing account.
type Invitation struct {
	Token     string    `json:"token"`
	ProjectID string    `json:"projectId"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	InvitedBy string    `json:"invitedBy"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type InviteResult struct {
	Member    *Member `json:"member"`
	AcceptURL string  `json:"acceptUrl,omitempty"`
}

type CreateProjectInput struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Type        string        `json:"type"`
	Status      ProjectStatus `json:"status"`
}

type UpdateProjectInput struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Type        *string        `json:"type"`
	Status      *ProjectStatus `json:"status"`
}

type BlockInput struct {
	Title    string         `json:"title"`
	Type     BlockType      `json:"type"`
	Status   string         `json:"status"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config"`
	Inputs   []Port         `json:"inputs"`
	Outputs  []Port         `json:"outputs"`
	Metadata map[string]any `json:"metadata"`
}

// BlockPatch updates only the fields that are set.
type BlockPatch struct {
	Title    *string        `json:"title"`
	Type     *BlockType     `json:"type"`
	Status   *string        `json:"status"`
	Position *Position      `json:"position"`
	Config   map[string]any `json:"config"`
	Inputs   []Port         `json:"inputs"`
	Outputs  []Port         `json:"outputs"`
	Metadata map[string]any `json:"metadata"`
}

type PositionUpdate struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
}

type RelationInput struct {
	SourceBlockID string         `json:"sourceBlockId"`
	TargetBlockID string         `json:"targetBlockId"`
	Type          RelationType   `json:"type"`
	SourceHandle  string         `json:"sourceHandle"`
	TargetHandle  string         `json:"targetHandle"`
	Style         map[string]any `json:"style"`
	Animated      bool           `json:"animated"`
}
