package calendar

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestIsRateLimited(t *testing.T) {
	assert.True(t, isRateLimited(&googleapi.Error{Code: http.StatusTooManyRequests}))
	assert.True(t, isRateLimited(&googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	}))
	assert.True(t, isRateLimited(&googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
	}))

	// Plain forbidden is a permission problem, not throttling.
	assert.False(t, isRateLimited(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isRateLimited(&googleapi.Error{Code: http.StatusGone}))
	assert.False(t, isRateLimited(errors.New("network down")))

	// Wrapped errors are still classified.
	wrapped := fmt.Errorf("listing: %w", &googleapi.Error{Code: http.StatusTooManyRequests})
	assert.True(t, isRateLimited(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusGone, httpStatus(&googleapi.Error{Code: http.StatusGone}))
	assert.Equal(t, http.StatusGone, httpStatus(fmt.Errorf("x: %w", &googleapi.Error{Code: http.StatusGone})))
	assert.Equal(t, 0, httpStatus(errors.New("not a googleapi error")))
	assert.Equal(t, 0, httpStatus(nil))
}
