package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrappedError(t *testing.T) {
	base := New(InvalidState, "state not recognised")
	wrapped := fmt.Errorf("callback: %w", base)

	assert.Equal(t, InvalidState, CodeOf(wrapped))
	assert.True(t, Is(wrapped, InvalidState))
	assert.False(t, Is(wrapped, Expired))
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(PersistenceFailed, "could not save token", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PERSISTENCE_FAILED")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		BadRequest:                http.StatusBadRequest,
		Unauthorized:              http.StatusUnauthorized,
		Forbidden:                 http.StatusForbidden,
		NotFound:                  http.StatusNotFound,
		AlreadyExists:             http.StatusConflict,
		Expired:                   http.StatusGone,
		ValidationError:           http.StatusUnprocessableEntity,
		TokenExchangeFailed:       http.StatusBadGateway,
		PersistencePartialFailure: http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}
