package runtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstore/zstore/pkg/errors"
)

func TestStart_InvokesEntryOnce(t *testing.T) {
	calls := 0
	err := Start(Options{Name: "test"}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStart_ReadyRunsFirst(t *testing.T) {
	var order []string
	err := Start(Options{
		Ready: func(ctx context.Context) error {
			order = append(order, "ready")
			return nil
		},
	}, func(ctx context.Context) error {
		order = append(order, "entry")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ready", "entry"}, order)
}

func TestStart_ReadyFailureSkipsEntry(t *testing.T) {
	called := false
	cause := errors.NewError(errors.ErrCodeConnectionFailed, "controller unreachable")
	err := Start(Options{
		Ready: func(ctx context.Context) error { return cause },
	}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestStart_RecoversPanic(t *testing.T) {
	err := Start(Options{}, func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternalError))
}

func TestStart_NilEntry(t *testing.T) {
	err := Start(Options{}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"io error", errors.NewError(errors.ErrCodeIO, "append failed"), ExitFailure},
		{"divergence is fatal", errors.NewError(errors.ErrCodeMirrorDivergence, "replicas disagree"), ExitFatal},
		{"capability is fatal", errors.NewError(errors.ErrCodeCapabilityUnsupported, "no zone append"), ExitFatal},
		{"cancelled", fmt.Errorf("drain: %w", context.Canceled), ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
