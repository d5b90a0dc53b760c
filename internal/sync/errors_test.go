package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/hat"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind      Kind
		sentinel  error
		retryable bool
		schema    bool
	}{
		{KindAuthRequired, ErrAuthRequired, true, false},
		{KindSchemaLookupFailed, ErrSchemaLookupFailed, true, true},
		{KindSchemaCreateFailed, ErrSchemaCreateFailed, true, true},
		{KindSchemaIncomplete, ErrSchemaIncomplete, true, true},
		{KindUploadFailed, ErrUploadFailed, true, false},
		{KindTableGone, ErrTableGone, true, false},
		{KindStorage, ErrStorage, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("cycle: %w", newError(tt.kind, "step", errors.New("cause")))

			assert.True(t, errors.Is(err, tt.sentinel))
			assert.False(t, errors.Is(err, ErrCycleInFlight))

			kind, ok := KindOf(err)
			assert.True(t, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.schema, kind.IsSchema())

			var se *Error
			if assert.True(t, errors.As(err, &se)) {
				assert.Equal(t, tt.retryable, se.IsRetryable())
			}
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := &hat.StatusError{Op: "post records", StatusCode: 404}
	err := newError(KindTableGone, "upload", cause)

	assert.True(t, errors.Is(err, hat.ErrTableNotFound))
	assert.Contains(t, err.Error(), "upload: TableGone")
	assert.Contains(t, err.Error(), "status 404")
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
