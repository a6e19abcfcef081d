// filename: internal/common/errors/errors_test.go
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{ErrorCodeRuleInvalid, http.StatusBadRequest},
		{ErrorCodeUnauthorized, http.StatusUnauthorized},
		{ErrorCodeApproverNotListed, http.StatusForbidden},
		{ErrorCodeExecutionNotFound, http.StatusNotFound},
		{ErrorCodeRuleBusy, http.StatusConflict},
		{ErrorCodeConfigHashMismatch, http.StatusConflict},
		{ErrorCodeQueueFull, http.StatusTooManyRequests},
		{ErrorCodeActionTimeout, http.StatusRequestTimeout},
		{ErrorCodeBackendUnavailable, http.StatusServiceUnavailable},
		{ErrorCodeActionFailed, http.StatusBadGateway},
		{ErrorCodeDBQuery, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusCode(New(tt.code, "x")))
		})
	}
}

func TestWrappedErrorsKeepCode(t *testing.T) {
	base := stderrors.New("connection refused")
	err := fmt.Errorf("loading rules: %w", Wrap(base, ErrorCodeDBConnection, "postgres unreachable"))

	assert.True(t, IsErrorCode(err, ErrorCodeDBConnection))
	assert.Equal(t, ErrorCodeDBConnection, GetErrorCode(err))
	assert.True(t, stderrors.Is(err, base))
	assert.True(t, stderrors.Is(err, New(ErrorCodeDBConnection, "")))
	assert.False(t, stderrors.Is(err, New(ErrorCodeDBQuery, "")))
	assert.Contains(t, err.Error(), "internal: connection refused")

	plain := stderrors.New("boom")
	assert.Equal(t, ErrorCodeInternal, GetErrorCode(plain))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(plain))
}

func TestDetails(t *testing.T) {
	err := InvalidTransition("exec-1", "completed", "running")
	assert.Equal(t, "completed", err.Details["from"])
	assert.Equal(t, "running", err.Details["to"])

	v := ValidationError("name", "is required")
	assert.Equal(t, "name", v.Details["field"])
	assert.Equal(t, http.StatusBadRequest, v.StatusCode)
}

func TestAggregateErrors(t *testing.T) {
	assert.Nil(t, AggregateErrors(ErrorCodeValidation, nil))

	single := RuleNotFound("r1")
	assert.Same(t, single, AggregateErrors(ErrorCodeValidation, []error{single}))

	agg := AggregateErrors(ErrorCodeValidation, []error{stderrors.New("a"), stderrors.New("b")})
	require.NotNil(t, agg)
	assert.Equal(t, 2, agg.Details["count"])
	assert.Contains(t, agg.Message, "a; b")
}
