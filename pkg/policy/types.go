package policy

import (
	"time"

	"github.com/openidsync/openidsync/pkg/engine"
)

// Policy is one provisioning policy with its Rego source. The Rego package
// must export a "deny" set; each member vetoes the dispatch with its message.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source records where the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Input is the document policies evaluate against.
type Input struct {
	// Entity is the internal entity being propagated.
	Entity *engine.AnyEntity `json:"entity"`

	// Resource is the target external resource key.
	Resource string `json:"resource"`

	// Operation is CREATE, UPDATE, or DELETE.
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Denial is one veto produced during evaluation.
type Denial struct {
	// Policy is the name of the vetoing policy.
	Policy string `json:"policy"`

	// Message explains the veto.
	Message string `json:"message"`
}
