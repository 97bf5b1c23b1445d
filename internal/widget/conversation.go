// Package widget is the conversation core of the chat widget: it owns the
// history, drives one submission at a time through the pipeline state
// machine, recalls the last user turn for editing and coordinates speech
// output. A presentation layer reads State and calls the operations below.
package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/history"
	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/turn"
	"github.com/comigor/chatwidget-go/internal/voice"
)

var (
	ErrBusy              = errors.New("a submission is already in flight")
	ErrEmptySubmission   = errors.New("nothing to submit: no text and no images")
	ErrInvalidAttachment = errors.New("invalid attachment")
)

// Backend delivers one submission to the inference endpoint.
type Backend interface {
	Send(ctx context.Context, req backend.Request) (backend.Reply, error)
}

// Session supplies the identifier attached to every request and stores the
// dark-mode preference.
type Session interface {
	ID() string
	DarkMode() bool
	SetDarkMode(on bool)
}

// Options tunes a Conversation. Zero values select the defaults.
type Options struct {
	// ResponseDelay staggers the appearance of a successful reply.
	ResponseDelay time.Duration
	// RequestTimeout bounds one request; zero disables it.
	RequestTimeout time.Duration
	// MaxImages caps attachments per submission; zero means no cap.
	MaxImages int

	UserAvatar string
	BotAvatar  string

	// UI is the initial widget state. When nil, dark mode is read from the session.
	UI *UIState

	// Listener is called after every observable state change, outside any lock.
	Listener func(State)

	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// State is a read-only view for rendering.
type State struct {
	Turns       []turn.Turn
	Phase       Phase
	Submitting  bool
	Error       string
	Editing     bool
	Draft       string
	Attachments []string
	SessionID   string
	Voice       bool
	UI          UIState
}

// Conversation is the client-side conversation state machine.
type Conversation struct {
	store   *history.Store
	session Session
	backend Backend
	voice   *voice.Announcer
	opts    Options

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	draft    draft
	editing  bool
	banner   string
	resolved turn.Turn
	ui       UIState
}

type draft struct {
	text   string
	images []backend.Image
}

// New wires a conversation. announcer may be nil to disable speech.
func New(store *history.Store, sess Session, be Backend, announcer *voice.Announcer, opts Options) *Conversation {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.UserAvatar == "" {
		opts.UserAvatar = turn.DefaultUserAvatar
	}
	if opts.BotAvatar == "" {
		opts.BotAvatar = turn.DefaultBotAvatar
	}

	c := &Conversation{store: store, session: sess, backend: be, voice: announcer, opts: opts}
	if opts.UI != nil {
		c.ui = *opts.UI
	} else {
		c.ui = UIState{DarkMode: sess.DarkMode()}
	}
	c.fsm = c.newPipeline()
	return c
}

// Submit commits a user turn built from text and images, sends it and
// appends the bot reply, or an error turn when the request fails. It blocks
// until the submission resolves and returns the appended bot turn.
//
// A returned error means the submission was rejected before any state
// changed: ErrBusy, ErrEmptySubmission or ErrInvalidAttachment. Request
// failures are not returned; they produce an error turn and set Error.
//
// Cancelling ctx does not abort a dispatched request.
func (c *Conversation) Submit(ctx context.Context, text string, images []backend.Image) (turn.Turn, error) {
	c.mu.Lock()
	return c.submitLocked(ctx, text, images)
}

// SubmitDraft submits the buffered draft. The draft is taken and cleared
// under the same lock that admits the submission, and it is kept when the
// submission is rejected.
func (c *Conversation) SubmitDraft(ctx context.Context) (turn.Turn, error) {
	c.mu.Lock()
	text, images := c.draft.text, append([]backend.Image(nil), c.draft.images...)
	return c.submitLocked(ctx, text, images)
}

// submitLocked must be called with c.mu held and releases it.
func (c *Conversation) submitLocked(ctx context.Context, text string, images []backend.Image) (turn.Turn, error) {
	if err := c.admit(text, images); err != nil {
		c.mu.Unlock()
		return turn.Turn{}, err
	}
	if strings.TrimSpace(text) == "" {
		text = ""
	}

	c.draft = draft{}
	c.banner = ""
	if err := c.fsm.FireCtx(ctx, triggerSubmit, c.userTurn(text, images)); err != nil {
		logger.L.Error("failed to commit user turn", "error", err)
	}
	req := backend.Request{Query: text, Images: images, SessionID: c.session.ID()}
	c.mu.Unlock()
	c.notify()

	reqCtx := context.WithoutCancel(ctx)
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, c.opts.RequestTimeout)
		defer cancel()
	}
	reply, sendErr := c.backend.Send(reqCtx, req)
	if sendErr == nil && c.opts.ResponseDelay > 0 {
		<-c.opts.After(c.opts.ResponseDelay)
	}

	c.mu.Lock()
	c.resolved = turn.Turn{}
	if sendErr != nil {
		logger.L.Warn("chat request failed", "session_id", req.SessionID, "error", sendErr)
		if err := c.fsm.FireCtx(ctx, triggerFail, sendErr); err != nil {
			logger.L.Error("failed to record error turn", "error", err)
		}
	} else {
		logger.L.Info("chat reply received", "session_id", req.SessionID, "message_id", reply.MessageID, "sources", len(reply.Sources))
		if err := c.fsm.FireCtx(ctx, triggerReply, reply); err != nil {
			logger.L.Error("failed to record bot turn", "error", err)
		}
	}
	bot := c.resolved
	if err := c.fsm.FireCtx(ctx, triggerSettle); err != nil {
		logger.L.Error("pipeline did not settle", "error", err)
	}
	c.mu.Unlock()
	c.notify()
	return bot, nil
}

// admit must be called with c.mu held.
func (c *Conversation) admit(text string, images []backend.Image) error {
	if c.phase() != PhaseIdle {
		return ErrBusy
	}
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return ErrEmptySubmission
	}
	return c.checkImages(len(images), images)
}

// checkImages validates images given that total attachments will be held.
func (c *Conversation) checkImages(total int, images []backend.Image) error {
	if c.opts.MaxImages > 0 && total > c.opts.MaxImages {
		return fmt.Errorf("%w: at most %d images per message", ErrInvalidAttachment, c.opts.MaxImages)
	}
	for _, img := range images {
		if !img.IsImage() {
			return fmt.Errorf("%w: %s is not an image", ErrInvalidAttachment, img.Name)
		}
	}
	return nil
}

// Clear empties the history, rotates the session, resets the draft, edit
// mode and error banner, and stops speech.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	err := c.store.Clear()
	c.draft = draft{}
	c.editing = false
	c.banner = ""
	if c.voice != nil {
		c.voice.Stop()
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// ToggleVoice flips speech output, cancelling speech in progress. It returns
// the new state.
func (c *Conversation) ToggleVoice() bool {
	if c.voice == nil {
		return false
	}
	on := c.voice.Toggle()
	c.notify()
	return on
}

// Snapshot returns the ordered turns.
func (c *Conversation) Snapshot() []turn.Turn { return c.store.Snapshot() }

// Submitting reports whether a submission is in flight; it drives the
// typing indicator.
func (c *Conversation) Submitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase() == PhaseSubmitting
}

// Error returns the transient failure banner, or "".
func (c *Conversation) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// DismissError clears the failure banner.
func (c *Conversation) DismissError() {
	c.mu.Lock()
	c.banner = ""
	c.mu.Unlock()
	c.notify()
}

// SessionID returns the identifier attached to outbound requests.
func (c *Conversation) SessionID() string { return c.session.ID() }

// State returns a consistent view of everything the presentation layer renders.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]string, 0, len(c.draft.images))
	for _, img := range c.draft.images {
		refs = append(refs, firstNonEmpty(img.Ref, img.Name))
	}
	phase := c.phase()
	return State{
		Turns:       c.store.Snapshot(),
		Phase:       phase,
		Submitting:  phase == PhaseSubmitting,
		Error:       c.banner,
		Editing:     c.editing,
		Draft:       c.draft.text,
		Attachments: refs,
		SessionID:   c.session.ID(),
		Voice:       c.voice != nil && c.voice.Enabled(),
		UI:          c.ui,
	}
}

// phase must be called with c.mu held.
func (c *Conversation) phase() Phase {
	p, _ := c.fsm.MustState().(Phase)
	return p
}

func (c *Conversation) notify() {
	if c.opts.Listener != nil {
		c.opts.Listener(c.State())
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
