// Package voice coordinates speech output for bot replies. At most one
// utterance is active; starting a new one cancels the previous.
package voice

import (
	"context"
	"sync"

	"github.com/comigor/chatwidget-go/internal/logger"
)

// Speaker produces speech for text and returns when it finishes or ctx is
// cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Announcer is the single-slot speech coordinator.
type Announcer struct {
	speaker Speaker

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	gen     uint64
	wg      sync.WaitGroup
}

// NewAnnouncer creates an announcer. A nil speaker disables speech output.
func NewAnnouncer(speaker Speaker, enabled bool) *Announcer {
	if speaker == nil {
		speaker = NopSpeaker{}
	}
	return &Announcer{speaker: speaker, enabled: enabled}
}

// Announce speaks text in the background when the announcer is enabled,
// cancelling any utterance in progress. It never blocks on speech.
func (a *Announcer) Announce(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled || text == "" {
		return
	}
	a.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	a.gen++
	gen := a.gen
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
			logger.L.Debug("speech failed", "error", err)
		}
		a.mu.Lock()
		if a.gen == gen {
			a.cancel = nil
		}
		a.mu.Unlock()
		cancel()
	}()
}

// Toggle cancels speech in progress and flips the enabled flag. It returns
// the new state.
func (a *Announcer) Toggle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.enabled = !a.enabled
	return a.enabled
}

// Stop cancels speech in progress.
func (a *Announcer) Stop() {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
}

// Enabled reports whether new replies are announced.
func (a *Announcer) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Speaking reports whether an utterance is active.
func (a *Announcer) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Close stops speech and waits for the speaking goroutine to return.
func (a *Announcer) Close() {
	a.Stop()
	a.wg.Wait()
}

func (a *Announcer) stopLocked() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
