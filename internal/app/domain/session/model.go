// Package session defines the HITL session record and its state machine
// vocabulary.
package session

import "time"

// ProjectType tags the kind of project a session is building, which
// determines the dialogue template and ticket-generation strategy.
type ProjectType string

const (
	ProjectTypeNewApplication ProjectType = "new-application"
	ProjectTypeBuildFeature   ProjectType = "build-feature"
	ProjectTypeMCPServer      ProjectType = "mcp-server"
)

// State is one of the nine states a session can occupy.
type State string

const (
	StateInput          State = "input"
	StateClarifying      State = "clarifying"
	StateReadyForDocs    State = "ready_for_docs"
	StateGeneratingSpec  State = "generating_spec"
	StateReviewing       State = "reviewing"
	StateApproved        State = "approved"
	StateBuilding        State = "building"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether the state has no further legal outbound
// transition (other than none).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// CategoryProgress tracks how many of a dialogue category's required
// fields have been filled.
type CategoryProgress struct {
	Filled   int
	Required int
}

// ClarificationContext is the structured bag of requirements gathered
// across dialogue turns, plus the weighted composite completion
// percentage derived from it.
type ClarificationContext struct {
	Gathered   map[string]any
	Categories map[string]CategoryProgress
	Progress   float64
}

// Session represents one project's journey from idea to tickets.
type Session struct {
	ID                   string
	TenantID             string
	OwnerID              string
	ProjectType          ProjectType
	ProjectName          string
	Description          string
	State                State
	Clarification        ClarificationContext
	ApprovedSpec         *string
	ProjectID            *string
	RepoAnalysisSnapshot map[string]any

	ApprovedBy *string
	ApprovedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasApprovedSpec reports whether the spec has been produced and approved.
func (s Session) HasApprovedSpec() bool {
	return s.ApprovedSpec != nil && *s.ApprovedSpec != ""
}
