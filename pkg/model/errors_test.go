package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesSentinelByCode(t *testing.T) {
	err := NewError(ResultSchemaIncompatible, "type %q would be deleted", "Alarm")

	assert.ErrorIs(t, err, ErrSchemaIncompatible)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "SCHEMA_INCOMPATIBLE")
	assert.Contains(t, err.Error(), `"Alarm"`)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ResultCode
	}{
		{nil, ResultOK},
		{ErrNotFound, ResultNotFound},
		{fmt.Errorf("wrap: %w", ErrInvalidSchema), ResultInvalidSchema},
		{ErrCorrupted, ResultIOError},
		{context.Canceled, ResultCanceled},
		{NewError(ResultOutOfSpace, "full"), ResultOutOfSpace},
		{errors.New("boom"), ResultInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), "%v", tt.err)
	}
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(nil))

	cause := fmt.Errorf("reading: %w", ErrNotFound)
	wrapped := WrapError(cause)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, ResultNotFound, CodeOf(wrapped))

	coded := NewError(ResultIOError, "disk")
	assert.Same(t, coded, WrapError(coded))
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, IsCanceled(context.DeadlineExceeded))
	assert.True(t, IsCanceled(fmt.Errorf("op: %w", context.Canceled)))
	assert.False(t, IsCanceled(errors.New("other")))
	assert.False(t, IsCanceled(nil))
}
