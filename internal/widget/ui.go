package widget

// UIState is the widget chrome state, kept apart from the conversation.
type UIState struct {
	Open      bool
	Minimized bool
	DarkMode  bool
}

// UI returns the current widget state.
func (c *Conversation) UI() UIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ui
}

// SetOpen opens or closes the widget. Opening also restores it from minimized.
func (c *Conversation) SetOpen(open bool) {
	c.mu.Lock()
	c.ui.Open = open
	if open {
		c.ui.Minimized = false
	}
	c.mu.Unlock()
	c.notify()
}

// SetMinimized minimizes or expands the open widget.
func (c *Conversation) SetMinimized(min bool) {
	c.mu.Lock()
	c.ui.Minimized = min
	c.mu.Unlock()
	c.notify()
}

// ToggleDarkMode flips and persists the dark-mode preference.
func (c *Conversation) ToggleDarkMode() bool {
	c.mu.Lock()
	c.ui.DarkMode = !c.ui.DarkMode
	on := c.ui.DarkMode
	c.mu.Unlock()
	c.session.SetDarkMode(on)
	c.notify()
	return on
}
