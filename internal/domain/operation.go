package domain

import (
	"math/big"
	"time"
)

// OperationKind names a logical ledger operation.
type OperationKind string

const (
	OpBuy        OperationKind = "buy"
	OpList       OperationKind = "list"
	OpCancel     OperationKind = "cancel"
	OpApprove    OperationKind = "approve"
	OpGrantRole  OperationKind = "grant_role"
	OpUpdateSeed OperationKind = "update_seed"
)

// GuardKey serialises concurrent attempts at the same logical operation.
type GuardKey string

// NewGuardKey derives the key from the operation kind and its primary
// argument, e.g. ("buy", "7") -> "buy:7".
func NewGuardKey(kind OperationKind, primary string) GuardKey {
	return GuardKey(string(kind) + ":" + primary)
}

// PendingOperation exists from flow start until its terminal state. At most
// one exists per GuardKey.
type PendingOperation struct {
	ID          string            `json:"id"`
	Kind        OperationKind     `json:"kind"`
	Args        map[string]string `json:"args,omitempty"`
	GuardKey    GuardKey          `json:"guard_key"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Handle      Handle            `json:"handle,omitempty"`
}

// Outcome is the terminal verdict of a flow.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OperationResult is produced once per flow, at its terminal state.
type OperationResult struct {
	Outcome        Outcome   `json:"outcome"`
	Handle         Handle    `json:"handle,omitempty"`
	ApprovalHandle Handle    `json:"approval_handle,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Message        string    `json:"message,omitempty"`
	ListingID      uint64    `json:"listing_id,omitempty"`
}

// Succeeded is a convenience for Outcome == OutcomeSuccess.
func (r OperationResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// FlowState is a step of a flow's state machine.
type FlowState string

const (
	StateIdle       FlowState = "idle"
	StateValidating FlowState = "validating"
	StateApproving  FlowState = "approving"
	StateSubmitting FlowState = "submitting"
	StateConfirming FlowState = "confirming"
	StateSuccess    FlowState = "success"
	StateFailed     FlowState = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s FlowState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Transition is one entry of a flow's progress stream.
type Transition struct {
	OperationID string        `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	GuardKey    GuardKey      `json:"guard_key"`
	State       FlowState     `json:"state"`
	Amount      *big.Int      `json:"amount,omitempty"`
	Handle      Handle        `json:"handle,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Message     string        `json:"message,omitempty"`
	At          time.Time     `json:"at"`
}

// OperationRecord is the persisted history row of one flow.
type OperationRecord struct {
	ID             string            `json:"id"`
	Kind           OperationKind     `json:"kind"`
	GuardKey       GuardKey          `json:"guard_key"`
	Caller         string            `json:"caller"`
	Args           map[string]string `json:"args,omitempty"`
	State          FlowState         `json:"state"`
	Outcome        Outcome           `json:"outcome,omitempty"`
	Handle         Handle            `json:"handle,omitempty"`
	ApprovalHandle Handle            `json:"approval_handle,omitempty"`
	ErrorKind      ErrorKind         `json:"error_kind,omitempty"`
	Message        string            `json:"message,omitempty"`
	ListingID      uint64            `json:"listing_id,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Apply copies a terminal result onto the record.
func (r *OperationRecord) Apply(res OperationResult, at time.Time) {
	if res.Succeeded() {
		r.State = StateSuccess
	} else {
		r.State = StateFailed
	}
	r.Outcome = res.Outcome
	if res.Handle != "" {
		r.Handle = res.Handle
	}
	if res.ApprovalHandle != "" {
		r.ApprovalHandle = res.ApprovalHandle
	}
	r.ErrorKind = res.ErrorKind
	r.Message = res.Message
	if res.ListingID != 0 {
		r.ListingID = res.ListingID
	}
	t := at
	r.FinishedAt = &t
}
