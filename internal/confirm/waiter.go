// Package confirm waits for submitted calls to reach a confirmation depth
// within a timeout, resolving timeouts with a direct receipt lookup.
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/retry"
)

// Ledger is the part of domain.LedgerClient the waiter needs.
type Ledger interface {
	Receipt(ctx context.Context, h domain.Handle) (*domain.Receipt, error)
	CurrentConfirmations(ctx context.Context, h domain.Handle) (int, error)
}

// DefaultLookupTimeout bounds the single receipt lookup made after a wait
// times out, and each Resolve.
const DefaultLookupTimeout = 10 * time.Second

// Waiter polls confirmation depth for submitted handles.
type Waiter struct {
	ledger        Ledger
	reads         retry.Policy
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// NewWaiter creates a Waiter. reads governs the retried receipt lookups.
func NewWaiter(ledger Ledger, reads retry.Policy, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		ledger:        ledger,
		reads:         reads,
		lookupTimeout: DefaultLookupTimeout,
		logger:        logger.With(slog.String("component", "confirm")),
	}
}

// WithLookupTimeout overrides DefaultLookupTimeout.
func (w *Waiter) WithLookupTimeout(d time.Duration) *Waiter {
	if d > 0 {
		w.lookupTimeout = d
	}
	return w
}

// Wait blocks until h has p.RequiredConfirmations or p.Timeout elapses,
// whichever comes first. A ledger call still in flight when the timeout
// fires is abandoned. Errors are *domain.FlowError of kind Reverted or
// ConfirmationTimeout.
func (w *Waiter) Wait(ctx context.Context, h domain.Handle, p Policy) (domain.Receipt, error) {
	p = p.normalized()
	log := w.logger.With(slog.String("handle", string(h)))

	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		n, err := bounded(pctx, func(c context.Context) (int, error) {
			return w.ledger.CurrentConfirmations(c, h)
		})
		switch {
		case pctx.Err() != nil:
		case err != nil:
			log.DebugContext(ctx, "confirmation poll failed", slog.String("error", err.Error()))
		case n >= p.RequiredConfirmations:
			r, err := w.lookup(pctx, h)
			if err != nil {
				if pctx.Err() == nil {
					log.WarnContext(ctx, "receipt lookup after confirmation failed", slog.String("error", err.Error()))
				}
				break
			}
			if r == nil {
				// Depth reported but receipt gone: reorged out. Keep waiting.
				break
			}
			log.DebugContext(ctx, "confirmed", slog.Int("confirmations", n), slog.Uint64("block", r.BlockNumber))
			return settle(h, *r)
		}

		select {
		case <-ticker.C:
		case <-pctx.Done():
			if ctx.Err() != nil {
				return domain.Receipt{Handle: h}, domain.NewError(domain.KindConfirmationTimeout, "confirm",
					fmt.Sprintf("wait for %s interrupted; the operation's outcome is unknown", h), ctx.Err())
			}
			log.InfoContext(ctx, "confirmation wait timed out, looking up receipt", slog.Duration("timeout", p.Timeout))
			return w.resolveTimeout(ctx, h, fmt.Sprintf(" within %s", p.Timeout))
		}
	}
}

// Resolve performs a single read-only receipt lookup and settles the outcome
// the same way a timed-out Wait does. It never submits anything.
func (w *Waiter) Resolve(ctx context.Context, h domain.Handle) (domain.Receipt, error) {
	return w.resolveTimeout(ctx, h, "")
}

func (w *Waiter) resolveTimeout(ctx context.Context, h domain.Handle, within string) (domain.Receipt, error) {
	lctx, cancel := context.WithTimeout(ctx, w.lookupTimeout)
	defer cancel()
	r, err := w.lookup(lctx, h)
	if err != nil {
		return domain.Receipt{Handle: h}, domain.NewError(domain.KindConfirmationTimeout, "confirm",
			fmt.Sprintf("no confirmation for %s%s and receipt lookup failed; the operation's outcome is unknown", h, within), err)
	}
	if r == nil {
		return domain.Receipt{Handle: h}, domain.NewError(domain.KindConfirmationTimeout, "confirm",
			fmt.Sprintf("no receipt for %s%s; the operation may still be pending and its outcome is unknown", h, within), nil)
	}
	return settle(h, *r)
}

func (w *Waiter) lookup(ctx context.Context, h domain.Handle) (*domain.Receipt, error) {
	return retry.Read(ctx, w.reads, func(ctx context.Context) (*domain.Receipt, error) {
		return bounded(ctx, func(c context.Context) (*domain.Receipt, error) {
			return w.ledger.Receipt(c, h)
		})
	})
}

type result[T any] struct {
	v   T
	err error
}

// bounded runs fn and returns when it does or when ctx is done, whichever is
// first. fn keeps running in the background if it ignores ctx.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func settle(h domain.Handle, r domain.Receipt) (domain.Receipt, error) {
	if r.Handle == "" {
		r.Handle = h
	}
	if r.Succeeded() {
		return r, nil
	}
	msg := "execution reverted"
	if r.RevertReason != "" {
		msg += ": " + r.RevertReason
	}
	fe := domain.NewError(domain.KindReverted, "confirm", msg, nil)
	fe.Reason = r.RevertReason
	return r, fe
}
