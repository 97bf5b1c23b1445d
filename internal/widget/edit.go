package widget

import (
	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/turn"
)

// RecallLastUserTurn copies the text of the most recent user turn into the
// empty draft and enters edit mode, so the next submission replaces that
// turn instead of appending. It is a no-op when the draft already has text or
// there is no user turn.
func (c *Conversation) RecallLastUserTurn() bool {
	c.mu.Lock()
	if c.draft.text != "" {
		c.mu.Unlock()
		return false
	}
	last, ok := c.store.LastUserTurn()
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.draft.text = turn.StripImagePlaceholder(last.Text)
	c.editing = true
	c.mu.Unlock()
	c.notify()
	return true
}

// CancelEdit leaves edit mode and empties the draft.
func (c *Conversation) CancelEdit() {
	c.mu.Lock()
	if !c.editing {
		c.mu.Unlock()
		return
	}
	c.editing = false
	c.draft.text = ""
	c.mu.Unlock()
	c.notify()
}

// Editing reports whether the next submission replaces the last user turn.
func (c *Conversation) Editing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// SetDraft replaces the draft text. Drafts may be edited while a submission
// is in flight.
func (c *Conversation) SetDraft(text string) {
	c.mu.Lock()
	c.draft.text = text
	c.mu.Unlock()
	c.notify()
}

// Draft returns the draft text.
func (c *Conversation) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.text
}

// AttachImages adds images to the draft. Non-image payloads and attachments
// beyond the configured cap are rejected as a whole.
func (c *Conversation) AttachImages(images ...backend.Image) error {
	c.mu.Lock()
	if err := c.checkImages(len(c.draft.images)+len(images), images); err != nil {
		c.mu.Unlock()
		return err
	}
	c.draft.images = append(c.draft.images, images...)
	c.mu.Unlock()
	c.notify()
	return nil
}

// RemoveImage drops the i-th draft attachment.
func (c *Conversation) RemoveImage(i int) bool {
	c.mu.Lock()
	if i < 0 || i >= len(c.draft.images) {
		c.mu.Unlock()
		return false
	}
	c.draft.images = append(c.draft.images[:i:i], c.draft.images[i+1:]...)
	c.mu.Unlock()
	c.notify()
	return true
}
