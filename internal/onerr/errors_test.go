package onerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oneiric-dev/oneiric/internal/onerr"
)

func TestNew_SetsStableHTTPStatus(t *testing.T) {
	err := onerr.New(onerr.KindNoCandidate, "no candidate registered")
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.True(t, onerr.Is(err, onerr.KindNoCandidate))
}

func TestWrap_PreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := onerr.Wrap(onerr.KindFetchFailed, "fetch manifest", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIs_FalseForOtherKindsAndPlainErrors(t *testing.T) {
	err := onerr.New(onerr.KindSwapFailed, "swap failed")
	assert.False(t, onerr.Is(err, onerr.KindNoCandidate))
	assert.False(t, onerr.Is(fmt.Errorf("plain error"), onerr.KindSwapFailed))
}

func TestWithDetails_CopiesRatherThanMutatesOriginal(t *testing.T) {
	base := onerr.New(onerr.KindPathEscape, "path escape")
	withDetail := base.WithDetails("path", "../etc/passwd")

	assert.Nil(t, base.Details)
	assert.Equal(t, "../etc/passwd", withDetail.Details["path"])
}

func TestUnknownKind_DefaultsToInternalServerError(t *testing.T) {
	err := onerr.New(onerr.Kind("NOT_A_REAL_KIND"), "mystery failure")
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
}
