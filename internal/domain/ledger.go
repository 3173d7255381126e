package domain

import (
	"context"
	"math/big"
	"strings"
)

// Handle identifies a submitted call on the ledger (a transaction hash).
type Handle string

// Call is a state-changing contract invocation. Interface names the ABI the
// ledger client encodes Method against; Args hold ABI-ready values.
type Call struct {
	Kind      OperationKind
	Interface string
	Contract  string
	Method    string
	Args      []any
	Value     *big.Int
}

// Query is a read-only contract invocation.
type Query struct {
	Interface string
	Contract  string
	Method    string
	Args      []any
}

// ReceiptStatus is the execution status recorded by the ledger.
type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Event is a decoded log entry emitted by a call.
type Event struct {
	Contract string
	Name     string
	Fields   map[string]any
}

// Receipt is the ledger's record of an included call.
type Receipt struct {
	Handle       Handle
	Status       ReceiptStatus
	BlockNumber  uint64
	GasUsed      uint64
	RevertReason string
	Events       []Event
}

// Succeeded is a convenience for Status == ReceiptSuccess.
func (r Receipt) Succeeded() bool { return r.Status == ReceiptSuccess }

// Event returns the first event with the given name.
func (r Receipt) Event(name string) (Event, bool) {
	for _, e := range r.Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// LedgerClient is the narrow boundary to the external chain. Receipt returns
// (nil, nil) when the ledger has no receipt for the handle yet.
// CurrentConfirmations returns 0 for calls not yet included.
type LedgerClient interface {
	Submit(ctx context.Context, call Call) (Handle, error)
	Receipt(ctx context.Context, h Handle) (*Receipt, error)
	Read(ctx context.Context, q Query) ([]any, error)
	CurrentConfirmations(ctx context.Context, h Handle) (int, error)
}

// NetworkKind selects the confirmation policy.
type NetworkKind string

const (
	NetworkDev     NetworkKind = "dev"
	NetworkTestnet NetworkKind = "testnet"
	NetworkMainnet NetworkKind = "mainnet"
)

// LowLatency reports whether the network mines near-instantly.
func (n NetworkKind) LowLatency() bool {
	switch NetworkKind(strings.ToLower(string(n))) {
	case NetworkDev, "local", "hardhat", "anvil":
		return true
	}
	return false
}
