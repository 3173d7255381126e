package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRead_RetriesNetworkErrors(t *testing.T) {
	calls := 0
	v, err := Read(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, domain.NewError(domain.KindNetwork, "read", "connection reset", nil)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRead_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad abi")
	_, err := Read(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRead_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Read(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, domain.NewError(domain.KindNetwork, "read", "timeout", nil)
	})

	require.Error(t, err)
	assert.True(t, domain.IsNetwork(err))
	assert.Equal(t, 4, calls)
}
