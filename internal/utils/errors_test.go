package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Message(t *testing.T) {
	assert.Equal(t, "bad input", NewValidationError("bad input").Error())
	assert.Equal(t, "want 6 folds, got 2", NewValidationErrorf("want %d folds, got %d", 6, 2).Error())
	assert.Equal(t, "dates: must not be empty", NewFieldError("dates", "must not be empty").Error())
}

func TestIsValidationError(t *testing.T) {
	err := fmt.Errorf("assign folds: %w", NewFieldError("dates", "unparseable %q", "2021-13-01"))
	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(fmt.Errorf("plain")))
	assert.False(t, IsValidationError(nil))
}
