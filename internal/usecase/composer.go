package usecase

import (
	"strings"
	"sync"
)

// Draft is the pending composition. Voice drafts carry the order reserved
// when their transcription completed and the unit that produced them.
type Draft struct {
	Text      string
	Voice     bool
	SessionID string
	Order     int
	UnitID    string
}

// Composer holds the input composition area.
type Composer struct {
	mu       sync.Mutex
	draft    Draft
	onChange func(text string, isVoice bool)
}

func NewComposer(onChange func(text string, isVoice bool)) *Composer {
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &Composer{onChange: onChange}
}

func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetText replaces the composed text. Editing a voice draft keeps its
// voice metadata.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.draft.Text = text
	voice := c.draft.Voice
	c.mu.Unlock()
	c.onChange(text, voice)
}

// SetVoiceDraft installs a transcription result as the composition.
func (c *Composer) SetVoiceDraft(sessionID string, order int, unitID, text string) {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	c.draft = Draft{Text: text, Voice: true, SessionID: sessionID, Order: order, UnitID: unitID}
	c.mu.Unlock()
	c.onChange(text, true)
}

// Clear empties the composition and returns what was there.
func (c *Composer) Clear() Draft {
	c.mu.Lock()
	previous := c.draft
	c.draft = Draft{}
	c.mu.Unlock()
	if previous != (Draft{}) {
		c.onChange("", false)
	}
	return previous
}
