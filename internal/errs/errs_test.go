package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RetryableFollowsCategory(t *testing.T) {
	tests := []struct {
		category  Category
		retryable bool
	}{
		{CategoryTransient, true},
		{CategoryDataIntegrity, false},
		{CategoryConfiguration, false},
		{CategoryRangeScan, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, "X", "msg")
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestWrap_ChainHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("extract: %w", Transient(CodeReplayUnavailable, "replay through tx", cause))

	assert.True(t, IsRetryable(err))
	assert.Equal(t, CategoryTransient, GetCategory(err))
	assert.Equal(t, CodeReplayUnavailable, GetCode(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, New(CategoryTransient, CodeReplayUnavailable, "other message"))
	assert.NotErrorIs(t, err, New(CategoryTransient, CodeStoreWrite, ""))
	assert.Contains(t, err.Error(), "[TRANSIENT:REPLAY_UNAVAILABLE]")
}

func TestHelpers_UnclassifiedError(t *testing.T) {
	err := errors.New("plain")

	assert.False(t, IsRetryable(err))
	assert.Equal(t, Category(""), GetCategory(err))
	assert.Equal(t, "", GetCode(err))
	assert.Equal(t, CategoryUnknown, CategoryOf(err))
	assert.Equal(t, CategoryDataIntegrity, CategoryOf(DataIntegrity(CodeDecodeMismatch, "x", nil)))
}

func TestWithDetails_Copies(t *testing.T) {
	base := Configuration(CodeUnknownPool, "pool not in registry")
	detailed := base.WithDetails(map[string]interface{}{"pool_address": "0xabc"})

	assert.Nil(t, base.Details)
	assert.Equal(t, "0xabc", detailed.Details["pool_address"])
	assert.Equal(t, base.Code, detailed.Code)
}
