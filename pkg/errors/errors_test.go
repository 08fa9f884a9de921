package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_New(t *testing.T) {
	cause := errors.New("connection refused")
	err := ServiceUnavailable("Storage unavailable", cause)

	assert.Equal(t, "SERVICE_UNAVAILABLE", err.Code)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Equal(t, "Storage unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestAppError_IsMatchesSentinel(t *testing.T) {
	wrapped := fmt.Errorf("middleware: %w", Forbidden("Driver profile required", nil))

	assert.ErrorIs(t, wrapped, ErrDriverRequired)
	assert.NotErrorIs(t, wrapped, ErrRiderRequired)
}

func TestGetAppError(t *testing.T) {
	app := GetAppError(fmt.Errorf("handler: %w", NotFound("ride not found", nil)))
	assert.Equal(t, http.StatusNotFound, app.Status)

	plain := GetAppError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, plain.Status)
	assert.Equal(t, "INTERNAL_ERROR", plain.Code)
	assert.False(t, IsAppError(errors.New("boom")))
}
