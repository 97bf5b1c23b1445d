package widget

import (
	"context"
	"errors"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/history"
	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/turn"
)

// Phase is a state of the submission pipeline.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseSubmitting Phase = "Submitting"
	PhaseResolved   Phase = "Resolved" // transient: bot reply appended
	PhaseFailed     Phase = "Failed"   // transient: error turn appended
)

type trigger string

const (
	triggerSubmit trigger = "Submit"
	triggerReply  trigger = "Reply"
	triggerFail   trigger = "Fail"
	triggerSettle trigger = "Settle"
)

const (
	FallbackReply = "I received your message but couldn't generate a response."
	ApologyReply  = "I apologize, but I'm experiencing technical difficulties. Please try again."
)

// newPipeline builds the submission state machine. Entry actions run with
// c.mu held, since every Fire happens under it.
//
//	Idle --Submit--> Submitting --Reply--> Resolved --Settle--> Idle
//	                            --Fail---> Failed   --Settle--> Idle
func (c *Conversation) newPipeline() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(PhaseIdle)

	fsm.Configure(PhaseIdle).
		Permit(triggerSubmit, PhaseSubmitting)

	// State: Submitting
	// Action: commit the user turn, replacing the last one in edit mode.
	fsm.Configure(PhaseSubmitting).
		OnEntry(func(ctx context.Context, args ...any) error {
			user, ok := firstArg[turn.Turn](args)
			if !ok {
				return errors.New("submit fired without a user turn")
			}
			return c.commitUserTurn(user)
		}).
		Permit(triggerReply, PhaseResolved).
		Permit(triggerFail, PhaseFailed)

	// State: Resolved
	// Action: append the bot turn built from the reply and announce it.
	fsm.Configure(PhaseResolved).
		OnEntry(func(ctx context.Context, args ...any) error {
			reply, _ := firstArg[backend.Reply](args)
			bot := c.botTurn(reply)
			if err := c.store.Append(bot); err != nil {
				return err
			}
			c.resolved = bot
			if c.voice != nil {
				c.voice.Announce(bot.Text)
			}
			return nil
		}).
		Permit(triggerSettle, PhaseIdle)

	// State: Failed
	// Action: append the apology turn and surface the reason.
	fsm.Configure(PhaseFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			cause, _ := firstArg[error](args)
			if cause == nil {
				cause = errors.New("request failed")
			}
			c.banner = cause.Error()
			failed := c.errorTurn()
			if err := c.store.Append(failed); err != nil {
				return err
			}
			c.resolved = failed
			return nil
		}).
		Permit(triggerSettle, PhaseIdle)

	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		logger.L.Debug("pipeline transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	return fsm
}

// commitUserTurn must be called with c.mu held.
func (c *Conversation) commitUserTurn(user turn.Turn) error {
	if c.editing {
		c.editing = false
		err := c.store.ReplaceLastUserTurn(user)
		if err == nil {
			return nil
		}
		if !errors.Is(err, history.ErrNoUserTurn) {
			return err
		}
		logger.L.Info("edited turn is no longer last; appending instead")
	}
	return c.store.Append(user)
}

func (c *Conversation) userTurn(text string, images []backend.Image) turn.Turn {
	refs := make([]string, 0, len(images))
	for _, img := range images {
		ref := img.Ref
		if ref == "" {
			ref = img.Name
		}
		refs = append(refs, ref)
	}
	if text == "" && len(images) > 0 {
		text = turn.ImagePlaceholder
	}
	return turn.Turn{
		Sender:    turn.SenderUser,
		Text:      text,
		Images:    refs,
		Timestamp: turn.Stamp(c.opts.Now()),
		Avatar:    c.opts.UserAvatar,
		Sources:   []string{},
	}
}

func (c *Conversation) botTurn(reply backend.Reply) turn.Turn {
	text := reply.Text()
	if text == "" {
		text = FallbackReply
	}
	sources := make([]string, len(reply.Sources))
	copy(sources, reply.Sources)
	return turn.Turn{
		Sender:    turn.SenderBot,
		Text:      text,
		Images:    []string{},
		Timestamp: turn.Stamp(c.opts.Now()),
		Avatar:    c.opts.BotAvatar,
		Sources:   sources,
		MessageID: reply.MessageID,
	}
}

func (c *Conversation) errorTurn() turn.Turn {
	return turn.Turn{
		Sender:    turn.SenderBot,
		Text:      ApologyReply,
		Images:    []string{},
		Timestamp: turn.Stamp(c.opts.Now()),
		Avatar:    c.opts.BotAvatar,
		Sources:   []string{},
		Error:     true,
	}
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
