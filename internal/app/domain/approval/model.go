// Package approval defines the human gating records for session
// transitions (spec approval, build-start).
package approval

import "time"

// Type tags what kind of action an approval record gates.
type Type string

const (
	TypeSpecApproval Type = "spec_approval"
	TypeBuildStart   Type = "build_start"
)

// Status is the resolution state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Approval is a human gating record tied to a session.
type Approval struct {
	ID             string
	SessionID      string
	Type           Type
	TargetAction   string
	Context        map[string]any
	Status         Status
	ResolverID     *string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}
