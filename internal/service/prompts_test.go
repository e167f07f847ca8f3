package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storybranch-server/internal/model"
)

func TestComposeFoundationPrompt(t *testing.T) {
	prompt := ComposeFoundationPrompt("Harry Potter", "the magic and the friendships")

	assert.Contains(t, prompt, "Harry Potter")
	assert.Contains(t, prompt, "the magic and the friendships")
	assert.Contains(t, prompt, "CORE STORYTELLING PRINCIPLES")
	assert.Contains(t, prompt, `"role": "protagonist"`)
}

func TestComposeTreePrompt(t *testing.T) {
	foundation := testFoundation()
	prompt, err := ComposeTreePrompt(foundation, "Harry Potter", "the magic")
	require.NoError(t, err)

	// The serialized foundation conditions the second call.
	assert.Contains(t, prompt, foundation.Premise)
	assert.Contains(t, prompt, `"name": "Mira"`)

	for _, id := range model.SegmentIDs {
		assert.Contains(t, prompt, id)
	}
}
