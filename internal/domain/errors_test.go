package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error_FormatsKindAndMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with message",
			err:  &Error{Kind: ErrAuth, Message: "bad secret"},
			want: "auth: bad secret",
		},
		{
			name: "empty message falls back to kind alone",
			err:  &Error{Kind: ErrRateLimited},
			want: "rate_limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNewError_CollectsDetailsFromKVPairs(t *testing.T) {
	err := NewError(ErrValidation, "missing field", "field", "symbol", "value", 42)

	assert.Equal(t, ErrValidation, err.Kind)
	assert.Equal(t, "missing field", err.Message)
	assert.Equal(t, "symbol", err.Details["field"])
	assert.Equal(t, 42, err.Details["value"])
}

func TestNewError_NoKVPairsLeavesDetailsNil(t *testing.T) {
	err := NewError(ErrNotFound, "user missing")
	assert.Nil(t, err.Details)
}

func TestNewError_OddKVPairIgnoresDangling(t *testing.T) {
	err := NewError(ErrInternal, "oops", "onlyKey")
	assert.Empty(t, err.Details)
}

func TestNewError_NonStringKeySkipped(t *testing.T) {
	err := NewError(ErrInternal, "oops", 1, "value")
	assert.Empty(t, err.Details)
}

func TestKindOf_ExtractsKindFromDomainError(t *testing.T) {
	err := NewError(ErrQuotaExceeded, "monthly cap hit")
	assert.Equal(t, ErrQuotaExceeded, KindOf(err))
}

func TestKindOf_DefaultsToInternalForForeignError(t *testing.T) {
	assert.Equal(t, ErrInternal, KindOf(errors.New("boom")))
}

func TestKindOf_UnwrapsWrappedDomainError(t *testing.T) {
	inner := NewError(ErrMLRejected, "model declined")
	wrapped := errors.Join(errors.New("context"), inner)
	assert.Equal(t, ErrMLRejected, KindOf(wrapped))
}
