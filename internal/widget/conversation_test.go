package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/history"
	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/session"
	"github.com/comigor/chatwidget-go/internal/storage"
	"github.com/comigor/chatwidget-go/internal/turn"
	"github.com/comigor/chatwidget-go/internal/voice"
)

func init() { logger.Discard() }

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

// mockBackend answers from a queue of canned results; when gate is set every
// call waits on it before answering.
type mockBackend struct {
	mu      sync.Mutex
	calls   []backend.Request
	replies []backend.Reply
	err     error
	gate    chan struct{}
}

func (m *mockBackend) Send(ctx context.Context, req backend.Request) (backend.Reply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return backend.Reply{}, m.err
	}
	if len(m.replies) == 0 {
		return backend.Reply{}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type recordingSpeaker struct {
	mu   sync.Mutex
	said []string
}

func (r *recordingSpeaker) Speak(_ context.Context, text string) error {
	r.mu.Lock()
	r.said = append(r.said, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSpeaker) spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.said...)
}

type fixture struct {
	conv    *Conversation
	be      *mockBackend
	kv      *storage.MemoryStore
	ident   *session.Identity
	speaker *recordingSpeaker
	voice   *voice.Announcer
}

func newFixture(t *testing.T, be *mockBackend, opts Options) *fixture {
	t.Helper()
	kv := storage.NewMemoryStore()
	ident := session.New(kv)
	sp := &recordingSpeaker{}
	ann := voice.NewAnnouncer(sp, true)
	t.Cleanup(ann.Close)
	return &fixture{
		conv:    New(history.New(kv, ident), ident, be, ann, opts),
		be:      be,
		kv:      kv,
		ident:   ident,
		speaker: sp,
		voice:   ann,
	}
}

func TestSubmit_SuccessAppendsUserThenBot(t *testing.T) {
	be := &mockBackend{replies: []backend.Reply{{Message: "42", Sources: []string{"doc1"}, MessageID: "m-1"}}}
	f := newFixture(t, be, Options{})

	bot, err := f.conv.Submit(context.Background(), "what is the answer", nil)
	require.NoError(t, err)

	snap := f.conv.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, turn.SenderUser, snap[0].Sender)
	require.Equal(t, "what is the answer", snap[0].Text)
	require.Equal(t, turn.DefaultUserAvatar, snap[0].Avatar)
	require.Empty(t, snap[0].MessageID)

	require.Equal(t, turn.SenderBot, snap[1].Sender)
	require.Equal(t, "42", snap[1].Text)
	require.Equal(t, []string{"doc1"}, snap[1].Sources)
	require.Equal(t, "m-1", snap[1].MessageID)
	require.False(t, snap[1].Error)
	require.Equal(t, snap[1].Text, bot.Text)

	require.Equal(t, 1, be.callCount())
	require.Equal(t, "what is the answer", be.calls[0].Query)
	require.Equal(t, f.ident.ID(), be.calls[0].SessionID)
	require.False(t, f.conv.Submitting())
	require.Empty(t, f.conv.Error())
}

func TestSubmit_HistoryGrowsByTwoPerRoundTrip(t *testing.T) {
	f := newFixture(t, &mockBackend{}, Options{})
	for i := 1; i <= 3; i++ {
		_, err := f.conv.Submit(context.Background(), fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
		require.Len(t, f.conv.Snapshot(), 2*i)
	}
}

func TestSubmit_MissingMessageUsesFallback(t *testing.T) {
	f := newFixture(t, &mockBackend{replies: []backend.Reply{{}}}, Options{})

	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	snap := f.conv.Snapshot()
	require.Equal(t, FallbackReply, snap[1].Text)
	require.NotNil(t, snap[1].Sources)
	require.Empty(t, snap[1].Sources)
}

func TestSubmit_FailureAppendsErrorTurn(t *testing.T) {
	be := &mockBackend{err: fmt.Errorf("%w: HTTP error! status: 500", backend.ErrNetworkFailure)}
	f := newFixture(t, be, Options{})

	bot, err := f.conv.Submit(context.Background(), "anything", nil)
	require.NoError(t, err, "request failures are recovered locally")
	require.True(t, bot.Error)

	snap := f.conv.Snapshot()
	require.Len(t, snap, 2)
	require.True(t, snap[1].Error)
	require.Equal(t, ApologyReply, snap[1].Text)
	require.Empty(t, snap[1].MessageID)
	require.NotEmpty(t, f.conv.Error())
	require.Contains(t, f.conv.Error(), "500")
	require.Empty(t, f.speaker.spoken(), "error turns are not announced")
}

func TestSubmit_RetryAfterFailureClearsBanner(t *testing.T) {
	be := &mockBackend{err: backend.ErrMalformedResponse}
	f := newFixture(t, be, Options{})

	_, err := f.conv.Submit(context.Background(), "first", nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.conv.Error())

	be.mu.Lock()
	be.err = nil
	be.replies = []backend.Reply{{Message: "ok"}}
	be.mu.Unlock()

	_, err = f.conv.Submit(context.Background(), "second", nil)
	require.NoError(t, err)
	require.Empty(t, f.conv.Error())
	snap := f.conv.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, "ok", snap[3].Text)
}

func TestSubmit_RejectsEmpty(t *testing.T) {
	be := &mockBackend{}
	f := newFixture(t, be, Options{})

	_, err := f.conv.Submit(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrEmptySubmission)
	_, err = f.conv.Submit(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptySubmission)
	require.Empty(t, f.conv.Snapshot())
	require.Equal(t, 0, be.callCount())
}

func TestSubmit_BusyWhileInFlight(t *testing.T) {
	be := &mockBackend{gate: make(chan struct{}), replies: []backend.Reply{{Message: "done"}}}
	f := newFixture(t, be, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.conv.Submit(context.Background(), "first", nil)
		require.NoError(t, err)
	}()

	require.Eventually(t, f.conv.Submitting, time.Second, 5*time.Millisecond)
	snap := f.conv.Snapshot()
	require.Len(t, snap, 1, "user turn is visible before the reply")
	require.Equal(t, "first", snap[0].Text)

	f.conv.SetDraft("queued while waiting")
	_, err := f.conv.SubmitDraft(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	require.Len(t, f.conv.Snapshot(), 1)
	require.Equal(t, 1, be.callCount())
	require.Equal(t, "queued while waiting", f.conv.Draft(), "rejected draft is kept")

	close(be.gate)
	<-done
	require.False(t, f.conv.Submitting())
	require.Len(t, f.conv.Snapshot(), 2)
}

func TestSubmit_CallerCancellationDoesNotAbort(t *testing.T) {
	be := &mockBackend{gate: make(chan struct{}), replies: []backend.Reply{{Message: "still here"}}}
	f := newFixture(t, be, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan turn.Turn, 1)
	go func() {
		bot, _ := f.conv.Submit(ctx, "hi", nil)
		done <- bot
	}()
	require.Eventually(t, func() bool { return be.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(be.gate)

	bot := <-done
	require.Equal(t, "still here", bot.Text)
	require.False(t, bot.Error)
}

// slowBackend honors ctx so the request timeout can end it.
type slowBackend struct{}

func (slowBackend) Send(ctx context.Context, _ backend.Request) (backend.Reply, error) {
	<-ctx.Done()
	return backend.Reply{}, fmt.Errorf("%w: %v", backend.ErrNetworkFailure, ctx.Err())
}

func TestSubmit_RequestTimeoutResolvesAsFailure(t *testing.T) {
	kv := storage.NewMemoryStore()
	ident := session.New(kv)
	conv := New(history.New(kv, ident), ident, slowBackend{}, nil, Options{RequestTimeout: 20 * time.Millisecond})

	bot, err := conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.True(t, bot.Error)
	require.Contains(t, conv.Error(), context.DeadlineExceeded.Error())
}

func TestSubmit_ResponseDelayKeepsTypingIndicator(t *testing.T) {
	fire := make(chan time.Time)
	var asked time.Duration
	be := &mockBackend{replies: []backend.Reply{{Message: "late"}}}
	f := newFixture(t, be, Options{
		ResponseDelay: 700 * time.Millisecond,
		After: func(d time.Duration) <-chan time.Time {
			asked = d
			return fire
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.conv.Submit(context.Background(), "hi", nil)
	}()

	require.Eventually(t, func() bool { return be.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, f.conv.Submitting())
	require.Len(t, f.conv.Snapshot(), 1, "bot turn waits for the delay")

	fire <- time.Now()
	<-done
	require.Equal(t, 700*time.Millisecond, asked)
	require.False(t, f.conv.Submitting())
	require.Len(t, f.conv.Snapshot(), 2)
}

func TestSubmit_ImagesAndPlaceholder(t *testing.T) {
	be := &mockBackend{}
	f := newFixture(t, be, Options{MaxImages: 2})

	img := backend.Image{Ref: "/tmp/cat.png", Name: "cat.png", Data: pngBytes}
	_, err := f.conv.Submit(context.Background(), "", []backend.Image{img})
	require.NoError(t, err)

	snap := f.conv.Snapshot()
	require.Equal(t, turn.ImagePlaceholder, snap[0].Text)
	require.Equal(t, []string{"/tmp/cat.png"}, snap[0].Images)
	require.Equal(t, "", be.calls[0].Query)
	require.Len(t, be.calls[0].Images, 1)

	_, err = f.conv.Submit(context.Background(), "x", []backend.Image{img, img, img})
	require.ErrorIs(t, err, ErrInvalidAttachment)

	_, err = f.conv.Submit(context.Background(), "x", []backend.Image{{Name: "notes.txt", Data: []byte("hello")}})
	require.ErrorIs(t, err, ErrInvalidAttachment)
	require.Len(t, f.conv.Snapshot(), 2)
}

func TestDraft_AttachAndSubmit(t *testing.T) {
	be := &mockBackend{}
	f := newFixture(t, be, Options{MaxImages: 2})
	img := backend.Image{Name: "a.png", Data: pngBytes}

	require.NoError(t, f.conv.AttachImages(img, img))
	require.ErrorIs(t, f.conv.AttachImages(img), ErrInvalidAttachment)
	require.True(t, f.conv.RemoveImage(1))
	require.False(t, f.conv.RemoveImage(5))
	f.conv.SetDraft("caption")
	require.Equal(t, []string{"a.png"}, f.conv.State().Attachments)

	_, err := f.conv.SubmitDraft(context.Background())
	require.NoError(t, err)
	require.Empty(t, f.conv.Draft())
	require.Empty(t, f.conv.State().Attachments)
	require.Equal(t, "caption", be.calls[0].Query)
	require.Len(t, be.calls[0].Images, 1)
}

func TestEdit_RecallReplacesLastUserTurn(t *testing.T) {
	kv := storage.NewMemoryStore()
	ident := session.New(kv)
	store := history.New(kv, ident)
	require.NoError(t, store.Append(turn.Turn{Sender: turn.SenderUser, Text: "hi", Timestamp: turn.Stamp(time.Now())}))

	be := &mockBackend{gate: make(chan struct{})}
	conv := New(store, ident, be, nil, Options{})

	require.True(t, conv.RecallLastUserTurn())
	require.Equal(t, "hi", conv.Draft())
	require.True(t, conv.Editing())

	conv.SetDraft("hello")
	done := make(chan struct{})
	go func() {
		defer close(done)
		conv.SubmitDraft(context.Background())
	}()
	require.Eventually(t, conv.Submitting, time.Second, 5*time.Millisecond)

	snap := conv.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "hello", snap[0].Text)
	require.False(t, conv.Editing(), "edit mode clears on submission")

	close(be.gate)
	<-done
	require.Len(t, conv.Snapshot(), 2)
}

func TestEdit_RecallAfterReplyAppends(t *testing.T) {
	f := newFixture(t, &mockBackend{}, Options{})
	_, err := f.conv.Submit(context.Background(), "look [Image]", nil)
	require.NoError(t, err)

	require.True(t, f.conv.RecallLastUserTurn())
	require.Equal(t, "look", f.conv.Draft(), "image marker is stripped")

	f.conv.SetDraft("look again")
	_, err = f.conv.SubmitDraft(context.Background())
	require.NoError(t, err)
	snap := f.conv.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, "look [Image]", snap[0].Text)
	require.Equal(t, "look again", snap[2].Text)
}

func TestEdit_NoUserTurnIsNoop(t *testing.T) {
	f := newFixture(t, &mockBackend{}, Options{})
	require.False(t, f.conv.RecallLastUserTurn())
	require.False(t, f.conv.Editing())

	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	f.conv.SetDraft("typing")
	require.False(t, f.conv.RecallLastUserTurn(), "recall needs an empty draft")
	require.Equal(t, "typing", f.conv.Draft())
}

func TestEdit_CancelEdit(t *testing.T) {
	f := newFixture(t, &mockBackend{}, Options{})
	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)

	require.True(t, f.conv.RecallLastUserTurn())
	f.conv.CancelEdit()
	require.False(t, f.conv.Editing())
	require.Empty(t, f.conv.Draft())
}

func TestClear_EmptiesAndRotatesSession(t *testing.T) {
	f := newFixture(t, &mockBackend{err: errors.New("down")}, Options{})
	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.True(t, f.conv.RecallLastUserTurn())
	before := f.conv.SessionID()

	require.NoError(t, f.conv.Clear())
	require.Empty(t, f.conv.Snapshot())
	require.NotEqual(t, before, f.conv.SessionID())
	require.False(t, f.conv.Editing())
	require.Empty(t, f.conv.Error())
	require.Empty(t, f.conv.Draft())
}

func TestPersistence_ReloadRestoresConversation(t *testing.T) {
	be := &mockBackend{replies: []backend.Reply{{Message: "42", Sources: []string{"doc1"}, MessageID: "m-1"}}}
	f := newFixture(t, be, Options{})
	_, err := f.conv.Submit(context.Background(), "what is the answer", nil)
	require.NoError(t, err)
	before := f.conv.Snapshot()

	ident := session.New(f.kv)
	reloaded := New(history.New(f.kv, ident), ident, be, nil, Options{})
	require.Equal(t, before, reloaded.Snapshot())
	require.Equal(t, f.conv.SessionID(), reloaded.SessionID())
}

func TestVoice_AnnouncesRepliesAndToggles(t *testing.T) {
	be := &mockBackend{replies: []backend.Reply{{Message: "spoken"}, {Message: "silent"}}}
	f := newFixture(t, be, Options{})

	_, err := f.conv.Submit(context.Background(), "one", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.speaker.spoken()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"spoken"}, f.speaker.spoken())

	require.False(t, f.conv.ToggleVoice())
	_, err = f.conv.Submit(context.Background(), "two", nil)
	require.NoError(t, err)
	f.voice.Close()
	require.Equal(t, []string{"spoken"}, f.speaker.spoken())
	require.False(t, f.conv.State().Voice)
}

func TestListener_SeesOptimisticAppend(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	be := &mockBackend{replies: []backend.Reply{{Message: "hey"}}}
	f := newFixture(t, be, Options{Listener: func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}})

	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.True(t, seen[0].Submitting)
	require.Len(t, seen[0].Turns, 1)
	require.False(t, seen[1].Submitting)
	require.Len(t, seen[1].Turns, 2)
	require.Equal(t, PhaseIdle, seen[1].Phase)
}

func TestUIState_DarkModePersists(t *testing.T) {
	f := newFixture(t, &mockBackend{}, Options{})
	require.False(t, f.conv.UI().DarkMode)

	require.True(t, f.conv.ToggleDarkMode())
	f.conv.SetOpen(true)
	f.conv.SetMinimized(true)
	f.conv.SetOpen(true)
	require.Equal(t, UIState{Open: true, DarkMode: true}, f.conv.UI())

	ident := session.New(f.kv)
	reloaded := New(history.New(f.kv, ident), ident, &mockBackend{}, nil, Options{})
	require.True(t, reloaded.UI().DarkMode)
}

func TestDismissError_ClearsBannerKeepsErrorTurn(t *testing.T) {
	f := newFixture(t, &mockBackend{err: backend.ErrNetworkFailure}, Options{})

	_, err := f.conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.conv.Error())

	f.conv.DismissError()
	require.Empty(t, f.conv.Error())
	snap := f.conv.Snapshot()
	require.Len(t, snap, 2)
	require.True(t, snap[1].Error)
}

func TestSubmitDraft_DraftTypedDuringFlightIsKept(t *testing.T) {
	be := &mockBackend{gate: make(chan struct{}), replies: []backend.Reply{{Message: "one"}, {Message: "two"}}}
	var (
		mu    sync.Mutex
		first *State
	)
	f := newFixture(t, be, Options{Listener: func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil && s.Phase == PhaseSubmitting {
			first = &s
		}
	}})

	f.conv.SetDraft("line1")
	done := make(chan error, 1)
	go func() {
		_, err := f.conv.SubmitDraft(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first != nil
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Empty(t, first.Draft, "draft is cleared when the submission is admitted")
	require.Equal(t, "line1", first.Turns[len(first.Turns)-1].Text)
	mu.Unlock()

	f.conv.SetDraft("line2")
	be.gate <- struct{}{}
	require.NoError(t, <-done)
	require.Equal(t, "line2", f.conv.Draft())

	close(be.gate)
	_, err := f.conv.SubmitDraft(context.Background())
	require.NoError(t, err)
	snap := f.conv.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, "line2", snap[2].Text)
	require.Empty(t, f.conv.Draft())
}
