package service

import (
	"encoding/json"
	"fmt"

	"storybranch-server/internal/model"
)

// storytellingPrinciples is the fixed guideline block embedded in both
// prompts.
const storytellingPrinciples = `
CORE STORYTELLING PRINCIPLES FOR CHILDREN:

1. NARRATIVE STRUCTURE:
   - Clear beginning, middle, and end
   - Hero's journey adapted for children
   - Problem -> Action -> Resolution
   - Build tension and release it satisfyingly

2. CHARACTER DEVELOPMENT:
   - Relatable protagonist with clear wants/needs
   - Character growth through choices
   - Consistent character traits and voice
   - Support characters with distinct personalities

3. MEANINGFUL CHOICES:
   - Each choice should stem from character motivation
   - Choices reveal character values
   - Consequences should feel logical and earned
   - No "right" or "wrong" choices, just different paths

4. EMOTIONAL ENGAGEMENT:
   - Create empathy for the protagonist
   - Build emotional stakes (what could be lost/gained?)
   - Include moments of wonder, excitement, and reflection
   - Age-appropriate challenges and conflicts

5. PACING & FLOW:
   - Vary sentence length and rhythm
   - Balance action with character moments
   - Use cliffhangers effectively
   - Give readers time to absorb important moments

6. WORLD BUILDING:
   - Consistent rules and logic
   - Rich sensory details
   - Settings that enhance the story
   - Cultural sensitivity and inclusivity

7. THEME INTEGRATION:
   - Themes emerge naturally from story events
   - Avoid heavy-handed moralizing
   - Let children draw their own conclusions
   - Focus on universal values: friendship, courage, kindness
`

const foundationPromptTemplate = `You are a master children's storyteller and narrative architect. Your task is to create the foundation for an interactive story.

%s

Based on the child's favorite books and what they love about them, create a story foundation that will resonate deeply with them.

Child's Input:
- Favorite books: %s
- What they love: %s

CRITICAL: Return ONLY a valid JSON object with this exact structure. Do NOT wrap in markdown code blocks or add any explanatory text:
{
  "title": "Engaging story title",
  "premise": "2-3 sentence story premise that hooks the reader",
  "theme": "Central theme (friendship, courage, discovery, etc.)",
  "protagonist": {
    "name": "Character name",
    "description": "Physical description",
    "personality": ["trait1", "trait2", "trait3"],
    "role": "protagonist"
  },
  "supportingCharacters": [
    {
      "name": "Character name",
      "description": "Description",
      "personality": ["trait1", "trait2"],
      "role": "ally" or "mentor" or "sidekick"
    }
  ],
  "setting": "Vivid description of the main setting",
  "centralConflict": "What challenge/problem drives the story forward",
  "backgroundScene": "Description for visual background generation"
}`

const treePromptTemplate = `You are creating a complete interactive story tree. This story will have exactly 4 segments with 2 choices each (except the final endings).

%s

STORY STRUCTURE:
- Segment 1: Opening & First Choice (2 options)
- Segment 2A/2B: Development based on first choice (2 options each)
- Segment 3A/3B/3C/3D: Resolution based on second choice (endings)

REQUIREMENTS:
- Each segment should be 180-220 words
- Maintain character consistency throughout all paths
- Choices should feel meaningful and have clear consequences
- Each path should feel complete and satisfying
- Use rich sensory details and emotional engagement

Story Foundation:
%s

Child's Preferences:
- Favorite books: %s
- What they love: %s

CRITICAL: Return ONLY a valid JSON object with this exact structure. Do NOT wrap in markdown code blocks or add any explanatory text:
{
  "title": %q,
  "premise": %q,
  "theme": %q,
  "characters": [array of all characters with consistent details],
  "segments": [
    {
      "id": "segment_1",
      "text": "Opening segment text...",
      "context": {
        "setting": "Current location",
        "timeOfDay": "morning/afternoon/evening/night",
        "mood": "Current emotional tone",
        "theme": "Theme being explored",
        "previousEvents": [],
        "characters": [characters present in this segment]
      },
      "backgroundScene": "Scene description for background image",
      "choices": [
        {
          "id": "choice_1a",
          "text": "Choice description",
          "consequence": "What this leads to",
          "leadTo": "segment_2a",
          "impact": "major"
        },
        {
          "id": "choice_1b",
          "text": "Choice description",
          "consequence": "What this leads to",
          "leadTo": "segment_2b",
          "impact": "major"
        }
      ]
    },
    ... (continue for all segments including segment_2a, segment_2b, segment_3a, segment_3b, segment_3c, segment_3d)
  ]
}

CRITICAL: Ensure character names and traits remain consistent across ALL segments. Track what happens in each path carefully.`

// ComposeFoundationPrompt builds the first-phase system prompt. Pure
// string building; the caller guarantees both inputs are non-empty.
func ComposeFoundationPrompt(favoriteBooks, whyLoveBooks string) string {
	return fmt.Sprintf(foundationPromptTemplate, storytellingPrinciples, favoriteBooks, whyLoveBooks)
}

// ComposeTreePrompt builds the second-phase system prompt. The whole
// foundation is serialized into the prompt so the tree call is
// conditioned on the foundation call's output; that is what keeps
// character names and traits consistent across the seven segments.
func ComposeTreePrompt(foundation model.StoryFoundation, favoriteBooks, whyLoveBooks string) (string, error) {
	foundationJSON, err := json.MarshalIndent(foundation, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize story foundation: %w", err)
	}

	return fmt.Sprintf(treePromptTemplate,
		storytellingPrinciples,
		string(foundationJSON),
		favoriteBooks,
		whyLoveBooks,
		foundation.Title,
		foundation.Premise,
		foundation.Theme,
	), nil
}
