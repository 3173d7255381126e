// Package orchestrator runs gated two-phase ledger operations: validate,
// approve when needed, submit exactly once, wait for confirmation, then
// refresh dependent views. Every flow holds its guard key from start to
// terminal state, so a second invocation while one is in flight returns
// domain.ErrBusy instead of submitting again.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dushaobindoudou/bubble-sub000/internal/confirm"
	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/gate"
	"github.com/dushaobindoudou/bubble-sub000/internal/listing"
	"github.com/dushaobindoudou/bubble-sub000/internal/notify"
)

// Bus channel and stream carrying flow transitions as JSON.
const (
	TransitionChannel = "ch:flow"
	TransitionStream  = "stream:flows"
)

// Notification event names.
const (
	EventFlowSuccess         = notify.EventFlowSuccess
	EventFlowFailed          = notify.EventFlowFailed
	EventConfirmationTimeout = notify.EventConfirmationTimeout
)

// ErrClosed is returned by Submit* after Close.
var ErrClosed = errors.New("orchestrator: closed")

// Notifier delivers terminal outcomes to operators.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the orchestrator's policy knobs.
type Config struct {
	// Account is the address every flow acts for (the signer).
	Account         string
	Network         domain.NetworkKind
	Confirmations   confirm.Settings
	Bounds          listing.Bounds
	SeedRole        string
	PaymentDecimals int32
}

// Orchestrator owns every running flow.
type Orchestrator struct {
	cfg    Config
	policy confirm.Policy
	chain  *contracts.Client
	gate   *gate.Gate
	waiter *confirm.Waiter
	guard  domain.OperationGuard
	view   *listing.View
	logger *slog.Logger
	now    func() time.Time

	history  domain.OperationStore
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier Notifier

	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int64
}

// New creates an Orchestrator.
func New(
	cfg Config,
	chain *contracts.Client,
	g *gate.Gate,
	waiter *confirm.Waiter,
	guard domain.OperationGuard,
	view *listing.View,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bounds == (listing.Bounds{}) {
		cfg.Bounds = listing.DefaultBounds()
	}
	return &Orchestrator{
		cfg:    cfg,
		policy: confirm.PolicyFor(cfg.Network, cfg.Confirmations),
		chain:  chain,
		gate:   g,
		waiter: waiter,
		guard:  guard,
		view:   view,
		logger: logger.With(slog.String("component", "orchestrator")),
		now:    time.Now,
	}
}

// WithHistory records every flow in store.
func (o *Orchestrator) WithHistory(store domain.OperationStore) *Orchestrator {
	o.history = store
	return o
}

// WithAudit logs reconciliations to store.
func (o *Orchestrator) WithAudit(store domain.AuditStore) *Orchestrator {
	o.audit = store
	return o
}

// WithBus publishes every transition on bus.
func (o *Orchestrator) WithBus(bus domain.SignalBus) *Orchestrator {
	o.bus = bus
	return o
}

// WithNotifier reports terminal outcomes through n.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// Account returns the address flows act for.
func (o *Orchestrator) Account() string { return o.cfg.Account }

// Policy returns the confirmation policy in force.
func (o *Orchestrator) Policy() confirm.Policy { return o.policy }

// Active is the number of flows currently running.
func (o *Orchestrator) Active() int64 { return o.active.Load() }

// Pending returns the in-flight operation holding key, if any.
func (o *Orchestrator) Pending(ctx context.Context, key domain.GuardKey) (domain.PendingOperation, bool, error) {
	return o.guard.Pending(ctx, key)
}

// Close refuses new flows and waits for running ones to finish or ctx to
// expire. In-flight submissions are never abandoned by Close itself.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Store(true)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: close with %d flows running: %w", o.active.Load(), ctx.Err())
	}
}

// flowSpec describes a flow to start.
type flowSpec struct {
	kind    domain.OperationKind
	primary string
	args    map[string]string
	run     func(ctx context.Context, fr *flowRun) (domain.OperationResult, error)
	after   func(ctx context.Context, res domain.OperationResult)
}

// start acquires the guard synchronously and runs the flow on its own
// goroutine, detached from the caller's cancellation.
func (o *Orchestrator) start(ctx context.Context, spec flowSpec) (*Flow, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}

	key := domain.NewGuardKey(spec.kind, spec.primary)
	op := domain.PendingOperation{
		ID:          uuid.NewString(),
		Kind:        spec.kind,
		Args:        spec.args,
		GuardKey:    key,
		SubmittedAt: o.now().UTC(),
	}

	ok, err := o.guard.Acquire(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire %s: %w", key, err)
	}
	if !ok {
		o.logger.DebugContext(ctx, "flow busy", slog.String("guard_key", string(key)))
		return nil, domain.ErrBusy
	}

	f := newFlow(op.ID, spec.kind, key)
	fr := &flowRun{
		o:    o,
		flow: f,
		log: o.logger.With(
			slog.String("operation_id", op.ID),
			slog.String("kind", string(spec.kind)),
			slog.String("guard_key", string(key)),
		),
	}

	fctx := context.WithoutCancel(ctx)
	o.record(fctx, op)

	o.wg.Add(1)
	o.active.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.active.Add(-1)

		fr.log.InfoContext(fctx, "flow started")
		res, err := spec.run(fctx, fr)
		o.finish(fctx, fr, spec, res, err)
	}()
	return f, nil
}

func (o *Orchestrator) finish(ctx context.Context, fr *flowRun, spec flowSpec, res domain.OperationResult, err error) {
	f := fr.flow
	if err != nil {
		kind := domain.KindOf(err)
		if kind == "" {
			kind = domain.KindNetwork
		}
		res.Outcome = domain.OutcomeFailure
		res.ErrorKind = kind
		res.Message = err.Error()
		fr.emit(domain.Transition{State: domain.StateFailed, Handle: res.Handle, ErrorKind: kind, Message: res.Message})
		fr.log.WarnContext(ctx, "flow failed",
			slog.String("error_kind", string(kind)),
			slog.String("handle", string(res.Handle)),
			slog.String("error", err.Error()),
		)
	} else {
		res.Outcome = domain.OutcomeSuccess
		fr.emit(domain.Transition{State: domain.StateSuccess, Handle: res.Handle, Message: res.Message})
		fr.log.InfoContext(ctx, "flow succeeded", slog.String("handle", string(res.Handle)))
	}

	o.guard.Release(ctx, f.Key)

	if o.history != nil {
		if herr := o.history.Finish(ctx, f.ID, res, o.now().UTC()); herr != nil {
			fr.log.WarnContext(ctx, "record flow result failed", slog.String("error", herr.Error()))
		}
	}
	if spec.after != nil {
		spec.after(ctx, res)
	}
	o.notify(ctx, f, spec.args, res)

	f.setResult(res, err)
	close(f.transitions)
	close(f.done)
}

func (o *Orchestrator) record(ctx context.Context, op domain.PendingOperation) {
	if o.history == nil {
		return
	}
	rec := domain.OperationRecord{
		ID:        op.ID,
		Kind:      op.Kind,
		GuardKey:  op.GuardKey,
		Caller:    o.cfg.Account,
		Args:      op.Args,
		State:     domain.StateIdle,
		StartedAt: op.SubmittedAt,
	}
	if err := o.history.Create(ctx, rec); err != nil {
		o.logger.WarnContext(ctx, "record flow start failed",
			slog.String("operation_id", op.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, t domain.Transition) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		o.logger.WarnContext(ctx, "marshal transition failed", slog.String("error", err.Error()))
		return
	}
	if err := o.bus.Publish(ctx, TransitionChannel, payload); err != nil {
		o.logger.WarnContext(ctx, "publish transition failed", slog.String("error", err.Error()))
	}
	if t.State.Terminal() {
		if err := o.bus.StreamAppend(ctx, TransitionStream, payload); err != nil {
			o.logger.WarnContext(ctx, "append transition failed", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) refreshListing(ctx context.Context, id uint64, want domain.ListingStatus, res domain.OperationResult) {
	if id == 0 || o.view == nil {
		return
	}
	l, err := o.view.Refresh(ctx, id)
	if err != nil {
		o.logger.WarnContext(ctx, "listing refresh failed",
			slog.Uint64("listing_id", id), slog.String("error", err.Error()))
		return
	}
	if res.Succeeded() && want != "" && l.Status != want {
		o.logger.WarnContext(ctx, "listing status differs from expected after success",
			slog.Uint64("listing_id", id),
			slog.String("status", string(l.Status)),
			slog.String("expected", string(want)),
		)
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
