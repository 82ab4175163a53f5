package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryStatusAndDetails(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", NewNotFound("change request", nil), CodeNotFound, http.StatusNotFound},
		{"terminal", NewTerminalState("COMPLETED"), CodeTerminalState, http.StatusConflict},
		{"illegal edge", NewIllegalEdge("PENDING", "COMPLETED", ""), CodeIllegalEdge, http.StatusConflict},
		{"unauthorized", NewUnauthorized("nope", nil), CodeUnauthorized, http.StatusForbidden},
		{"unauthenticated", NewUnauthenticated("token"), CodeUnauthenticated, http.StatusUnauthorized},
		{"missing field", NewMissingRequiredField("comment", ""), CodeMissingRequiredField, http.StatusUnprocessableEntity},
		{"version", NewConcurrentModification(1, 2), CodeConcurrentModification, http.StatusConflict},
		{"validation", NewValidationError("bad", nil), CodeValidation, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := ToDomainError(tt.err)
			require.NotNil(t, de)
			assert.Equal(t, tt.code, de.Code)
			assert.Equal(t, tt.status, de.HTTPStatus)
			assert.True(t, HasCode(tt.err, tt.code))
		})
	}
}

func TestMissingRequiredFieldNamesField(t *testing.T) {
	de := ToDomainError(NewMissingRequiredField("rollout_plan", "to enter READY_TO_IMPLEMENT"))
	assert.Equal(t, "rollout_plan", de.Details["field"])
	assert.Contains(t, de.Message, "rollout_plan")
}

func TestToDomainErrorWrapsUnknown(t *testing.T) {
	de := ToDomainError(errors.New("db down"))
	assert.Equal(t, CodeInternal, de.Code)
	assert.Equal(t, http.StatusInternalServerError, de.HTTPStatus)
	assert.Nil(t, ToDomainError(nil))
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", NewTerminalState("CANCELLED"))
	assert.True(t, errors.Is(wrapped, &DomainError{Code: CodeTerminalState}))
	assert.False(t, errors.Is(wrapped, &DomainError{Code: CodeIllegalEdge}))
	assert.True(t, HasCode(wrapped, CodeTerminalState))
}

func TestExternalSyncFailureUnwraps(t *testing.T) {
	cause := errors.New("rate limited")
	err := NewExternalSyncFailure("detect_merges", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "detect_merges", ToDomainError(err).Details["step"])
}
