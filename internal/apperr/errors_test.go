package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := InvalidState(CodeStagesAlreadyExist, "3 stages", "no stages", "CreateStages")

	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, errors.Is(err, ErrValidation))

	wrapped := fmt.Errorf("booking 42: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInvalidState))
	assert.Equal(t, CodeStagesAlreadyExist, CodeOf(wrapped))
}

func TestIsMatchesCode(t *testing.T) {
	err := Validation(CodeMissingReason, "reason is required")

	assert.True(t, errors.Is(err, &Error{Kind: KindValidation, Code: CodeMissingReason}))
	assert.False(t, errors.Is(err, &Error{Kind: KindValidation, Code: CodeAmountExceedsEscrow}))
}

func TestCollaboratorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Collaborator(CodeRailFailure, cause, "fund failed")

	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		NotFound(CodeBookingNotFound, "missing"):        http.StatusNotFound,
		Unauthorized("nope"):                            http.StatusForbidden,
		InvalidState("", "Pending", "Approved", "x"):    http.StatusConflict,
		Validation("", "bad"):                           http.StatusBadRequest,
		New(KindInsufficientEscrow, CodeInsufficientEscrow, "x"): http.StatusUnprocessableEntity,
		Collaborator(CodeRailFailure, nil, "x"):         http.StatusServiceUnavailable,
		errors.New("boom"):                              http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
	assert.Equal(t, "internal_error", CodeOf(errors.New("boom")))
}
