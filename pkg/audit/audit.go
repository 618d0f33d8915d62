// Package audit implements the append-only audit trail: a badger-backed
// log of what the runtime did and why, with each entry sha256-chained
// to its predecessor so tampering is detectable after the fact.
//
// The runtime records state transitions, service registrations, and
// shutdown decisions. Verify walks the whole chain and recomputes every
// hash; Tail serves the operator CLI and the API status surface. An
// optional archiver uploads JSONL segments to S3.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Trail errors checked with errors.Is.
var (
	// ErrTrailClosed is returned by every operation after Stop.
	ErrTrailClosed = errors.New("audit trail is closed")

	// ErrChainBroken is returned by Verify when a hash or link does
	// not match.
	ErrChainBroken = errors.New("audit chain broken")
)

// genesisHash anchors the first entry of the chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded by the shipped runtime. The set is open; adapters
// may record their own.
const (
	ActionRuntimeStarted    = "runtime_started"
	ActionRuntimeStopped    = "runtime_stopped"
	ActionStateTransition   = "state_transition"
	ActionServiceRegistered = "service_registered"
	ActionAdapterStarted    = "adapter_started"
	ActionAdapterStopped    = "adapter_stopped"
	ActionShutdownDecision  = "shutdown_decision"
)

// Entry is one audit record. Sequence, Timestamp, PrevHash, and Hash
// are assigned by the trail on Record; callers fill the rest.
type Entry struct {
	// Sequence is the 1-based position in the chain.
	Sequence uint64 `json:"sequence"`

	// Timestamp is the ISO-8601 record time from the runtime clock.
	Timestamp string `json:"timestamp"`

	// Action names what happened, e.g. "state_transition".
	Action string `json:"action"`

	// Actor is the component that did it, e.g. "runtime" or "adapter:api".
	Actor string `json:"actor"`

	// Subject is what it happened to, e.g. "WORK" or "store:sqlite".
	Subject string `json:"subject,omitempty"`

	// Detail is a human-readable elaboration.
	Detail string `json:"detail,omitempty"`

	// PrevHash is the Hash of the previous entry; the genesis anchor
	// for the first.
	PrevHash string `json:"prev_hash"`

	// Hash is the sha256 of this entry's canonical form, hex-encoded.
	Hash string `json:"hash"`
}

// computeHash returns the hex sha256 of the entry's canonical form.
// The canonical form covers every field except Hash itself; field
// separators keep adjacent values from gluing into collisions.
func computeHash(e *Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n%s\n%s\n%s\n%s\n%s\n%s",
		e.Sequence, e.Timestamp, e.Action, e.Actor, e.Subject, e.Detail, e.PrevHash)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Validate checks the caller-supplied fields before a record.
func (e *Entry) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	if e.Actor == "" {
		return fmt.Errorf("audit actor is required")
	}
	return nil
}
