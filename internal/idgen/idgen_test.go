package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.Len(t, id, len("esc_")+32)
	assert.True(t, HasPrefix(id, "esc_"))
	assert.NotEqual(t, id, WithPrefix("esc_"))
}

func TestHasPrefix_RejectsForeignIDs(t *testing.T) {
	assert.False(t, HasPrefix("esc_xyz", "esc_"))
	assert.False(t, HasPrefix("wh_0123456789abcdef0123456789abcdef", "esc_"))
	assert.False(t, HasPrefix("esc_0123456789abcdef0123456789abcdeZ", "esc_"))
}
