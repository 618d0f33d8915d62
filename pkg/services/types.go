// Package services defines the shared service taxonomy of the agent
// runtime: service types, dispatch priorities, shutdown buckets, and
// the contracts providers register against.
package services

import "fmt"

// Type identifies the category of service a provider fulfills.
// The set is open: adapters may introduce new types at deploy time,
// so Type is a string tag rather than a closed enum.
type Type string

// Service types used by the shipped runtime and adapters.
const (
	TypeCommunication Type = "communication"
	TypeMemory        Type = "memory"
	TypeTool          Type = "tool"
	TypeWiseAuthority Type = "wise_authority"
	TypeAudit         Type = "audit"
	TypePersistence   Type = "persistence"
	TypeTelemetry     Type = "telemetry"
)

// Priority orders providers competing for the same dispatch. Lower
// values win: HIGH beats NORMAL beats LOW. The zero value is treated
// as NORMAL at registration time.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the canonical upper-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority converts a configuration string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "HIGH", "high":
		return PriorityHigh, nil
	case "NORMAL", "normal", "":
		return PriorityNormal, nil
	case "LOW", "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Bucket is the declared shutdown ordering class of a registration.
// Lower buckets stop first: dependents stop before the things they
// depend on. The zero value is treated as BucketAdapter at
// registration time.
type Bucket int

const (
	// BucketDerived holds derived and scheduled workers with no
	// dependents of their own.
	BucketDerived Bucket = 1
	// BucketAdapter holds channel adapters and the services they
	// register.
	BucketAdapter Bucket = 2
	// BucketCore holds the task store, the audit trail, and other
	// stateful services adapters depend on.
	BucketCore Bucket = 3
	// BucketInfra holds infrastructure that must outlive everything
	// else during shutdown, such as the clock and the shutdown
	// signal plumbing.
	BucketInfra Bucket = 4
)

// String returns a short lower-case name for the bucket.
func (b Bucket) String() string {
	switch b {
	case BucketDerived:
		return "derived"
	case BucketAdapter:
		return "adapter"
	case BucketCore:
		return "core"
	case BucketInfra:
		return "infra"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// Spec declares one service registration: which type the provider
// serves, how it competes during dispatch, which handlers it is scoped
// to, and where it belongs in the shutdown order.
//
// A Spec with no Handlers is global: it serves requests from any
// handler. Handler-scoped registrations are consulted before global
// ones during dispatch.
type Spec struct {
	Type         Type
	Provider     Provider
	Priority     Priority
	Capabilities []string
	Handlers     []string
	Bucket       Bucket
}
