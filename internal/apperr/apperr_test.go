package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_MapsEveryCode(t *testing.T) {
	cases := map[Code]int{
		InvalidID:          http.StatusBadRequest,
		InvalidInput:       http.StatusBadRequest,
		NotFound:           http.StatusNotFound,
		NotStartable:       http.StatusConflict,
		NotCancellable:     http.StatusConflict,
		NotOpen:            http.StatusConflict,
		RoundEnded:         http.StatusConflict,
		BidNotActive:       http.StatusConflict,
		InsufficientFunds:  http.StatusConflict,
		InvariantViolation: http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, Status(New(code, "boom")), "code %s", code)
	}
}

func TestStatus_UnclassifiedError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("plain")))
}

func TestIs_MatchesOnCodeAlone(t *testing.T) {
	err := New(NotFound, "user 123 missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrNotOpen))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, NotOpen, CodeOf(New(NotOpen, "")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWithDetails(t *testing.T) {
	err := New(InvalidInput, "bad amount").WithDetails(map[string]any{"field": "amount"})
	assert.Equal(t, "amount", err.Details["field"])
}
