package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingUpdateTogglesMembership(t *testing.T) {
	start := typingUpdate("bob", true)
	assert.Equal(t, "typing", start.Path)
	require.NotNil(t, start.Value)

	stop := typingUpdate("bob", false)
	assert.Equal(t, "typing", stop.Path)
	require.NotNil(t, stop.Value)

	// Union and remove transforms are different sentinel types.
	assert.NotEqual(t, start.Value, stop.Value)
}
