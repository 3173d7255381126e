package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// JSON-RPC error codes with a fixed meaning.
const (
	codeUserRejected  = 4001 // EIP-1193
	codeExecutionFail = 3    // geth: execution reverted
)

func newBreaker(s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	trip := s.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "evm-rpc",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		// An answer from the node, even an error answer, means it is up.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ethereum.NotFound) ||
				errors.Is(err, context.Canceled) ||
				isServerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rpc circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// call1 runs a read through the breaker within the client's call timeout
// and classifies its error.
func call1[T any](c *Client, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return send1(c, ctx, op, fn)
}

// send1 is call1 without the call timeout, for broadcasts.
func send1[T any](c *Client, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, classify(op, err)
	}
	return v.(T), nil
}

// classify maps an RPC failure onto the domain error kinds. Caller
// cancellation and ethereum.NotFound pass through wrapped so errors.Is
// still matches them.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ethereum.NotFound), errors.Is(err, context.Canceled):
		return fmt.Errorf("evm: %s: %w", op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return domain.NewError(domain.KindNetwork, op, "ledger unavailable (circuit open)", err)
	}

	if isRejected(err) {
		return domain.NewError(domain.KindUserRejected, op, err.Error(), err)
	}
	if isRevert(err) {
		fe := domain.NewError(domain.KindReverted, op, err.Error(), err)
		if reason, ok := revertReason(err); ok {
			fe.Reason = reason
		}
		return fe
	}
	return domain.NewError(domain.KindNetwork, op, err.Error(), err)
}

func isServerError(err error) bool {
	var re rpc.Error
	return errors.As(err, &re)
}

func isRejected(err error) bool {
	var re rpc.Error
	if errors.As(err, &re) && re.ErrorCode() == codeUserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "request rejected")
}

func isRevert(err error) bool {
	var re rpc.Error
	if errors.As(err, &re) && re.ErrorCode() == codeExecutionFail {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// revertReason decodes Error(string) or Panic(uint256) revert data carried
// by an rpc.DataError.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return "", false
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return "", false
	}
	data, derr := hexutil.Decode(s)
	if derr != nil || len(data) < 4 {
		return "", false
	}
	reason, uerr := abi.UnpackRevert(data)
	if uerr != nil {
		return s, true
	}
	return reason, true
}
