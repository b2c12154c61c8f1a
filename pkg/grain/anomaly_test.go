package grain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsAnomaly(t *testing.T) {
	t.Run("detects Anomaly correctly", func(t *testing.T) {
		err := Conflict("test", "already exists")
		a, ok := AsAnomaly(err)
		assert.True(t, ok)
		assert.Equal(t, CategoryConflict, a.Category)
	})

	t.Run("returns false for a plain error", func(t *testing.T) {
		_, ok := AsAnomaly(errors.New("boom"))
		assert.False(t, ok)
	})

	t.Run("unwraps through errors.Join wrapping", func(t *testing.T) {
		wrapped := errors.Join(errors.New("context"), Fault("op", "msg", nil))
		_, ok := AsAnomaly(wrapped)
		assert.True(t, ok)
	})
}

func TestIsCategory(t *testing.T) {
	err := NotFound("op", "Unknown Command")
	assert.True(t, IsCategory(err, CategoryNotFound))
	assert.False(t, IsCategory(err, CategoryConflict))
	assert.False(t, IsCategory(errors.New("plain"), CategoryNotFound))
}

func TestAnomalyError(t *testing.T) {
	a := Incorrect("ProcessCommand", "Invalid Command", map[string]any{"name": "required"})
	assert.Contains(t, a.Error(), "incorrect")
	assert.Contains(t, a.Error(), "Invalid Command")
}
