package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/turn"
	"github.com/comigor/chatwidget-go/internal/widget"
)

const helpText = `Type a message and press enter to send it.
  /up            edit your last message
  /cancel        leave edit mode
  /image PATH... attach images to the next message
  /images        list attachments
  /drop N        remove attachment N
  /clear         clear the conversation
  /voice         toggle speech output
  /dark          toggle dark mode
  /quit          exit`

type repl struct {
	in   io.Reader
	conv *widget.Conversation

	mu        sync.Mutex
	out       io.Writer
	lastPhase widget.Phase
	lastError string

	wg sync.WaitGroup
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{in: in, out: out, lastPhase: widget.PhaseIdle}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// onState reports the typing indicator and error banner as they change.
func (r *repl) onState(s widget.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Phase != r.lastPhase {
		if s.Phase == widget.PhaseSubmitting {
			fmt.Fprintln(r.out, "bot is typing...")
		}
		r.lastPhase = s.Phase
	}
	if s.Error != r.lastError {
		if s.Error != "" {
			fmt.Fprintf(r.out, "! %s\n", s.Error)
		}
		r.lastError = s.Error
	}
}

func (r *repl) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer r.wg.Wait()

	st := r.conv.State()
	r.printf("Session %s (voice %s, dark mode %s). /help for commands.\n",
		st.SessionID, onOff(st.Voice), onOff(st.UI.DarkMode))
	for _, t := range st.Turns {
		r.mu.Lock()
		printTurn(r.out, t)
		r.mu.Unlock()
	}

	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		r.submit(ctx, line)
	}
	return scanner.Err()
}

func (r *repl) submit(ctx context.Context, line string) {
	// An empty line sends the pending draft.
	if line != "" {
		r.conv.SetDraft(line)
	}
	if r.conv.Submitting() {
		r.printf("still waiting for the previous reply; press enter to send your draft later\n")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bot, err := r.conv.SubmitDraft(ctx)
		switch {
		case errors.Is(err, widget.ErrEmptySubmission):
			return
		case err != nil:
			r.printf("! %v\n", err)
			return
		}
		r.mu.Lock()
		printTurn(r.out, bot)
		r.mu.Unlock()
	}()
}

// command runs one slash command and reports whether the REPL should stop.
func (r *repl) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/up":
		if r.conv.RecallLastUserTurn() {
			r.printf("editing: %s\n(type the replacement, or /cancel)\n", r.conv.Draft())
		} else {
			r.printf("nothing to edit\n")
		}
	case "/cancel":
		r.conv.CancelEdit()
	case "/image":
		r.attach(fields[1:])
	case "/images":
		st := r.conv.State()
		if len(st.Attachments) == 0 {
			r.printf("no attachments\n")
		}
		for i, ref := range st.Attachments {
			r.printf("  %d. %s\n", i+1, ref)
		}
	case "/drop":
		n, err := strconv.Atoi(strings.Join(fields[1:], ""))
		if err != nil || !r.conv.RemoveImage(n-1) {
			r.printf("usage: /drop N (see /images)\n")
		}
	case "/clear":
		if r.conv.Submitting() {
			r.printf("wait for the reply before clearing\n")
			break
		}
		if err := r.conv.Clear(); err != nil {
			r.printf("! %v\n", err)
		}
		r.printf("conversation cleared, new session %s\n", r.conv.SessionID())
	case "/voice":
		r.printf("voice %s\n", onOff(r.conv.ToggleVoice()))
	case "/dark":
		r.printf("dark mode %s\n", onOff(r.conv.ToggleDarkMode()))
	default:
		r.printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (r *repl) attach(paths []string) {
	if len(paths) == 0 {
		r.printf("usage: /image PATH...\n")
		return
	}
	images := make([]backend.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			r.printf("! %v\n", err)
			return
		}
		images = append(images, backend.Image{Ref: p, Name: filepath.Base(p), Data: data})
	}
	if err := r.conv.AttachImages(images...); err != nil {
		r.printf("! %v\n", err)
		return
	}
	r.printf("attached %d image(s)\n", len(images))
}

func printTurn(w io.Writer, t turn.Turn) {
	prefix := senderLabel(t)
	if t.Error {
		prefix += " (error)"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", t.Timestamp.Local().Format("15:04"), prefix, t.Text)
	for _, img := range t.Images {
		fmt.Fprintf(w, "    image: %s\n", img)
	}
	for _, src := range t.Sources {
		fmt.Fprintf(w, "    source: %s\n", src)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
