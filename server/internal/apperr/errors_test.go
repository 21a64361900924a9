package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Resolution("script %q not found", "nope")
	wrapped := fmt.Errorf("start dialogue: %w", base)

	assert.True(t, IsResolution(wrapped))
	assert.False(t, IsTransport(wrapped))
	assert.Equal(t, "NOT_FOUND", CodeOf(wrapped))
	assert.Equal(t, `script "nope" not found`, base.Error())
}

func TestTransportKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transport("fetch daily start", cause)

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "fetch daily start: connection refused", err.Error())
}

func TestPlainErrorHasNoKind(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, "INTERNAL_ERROR", CodeOf(err))
}
