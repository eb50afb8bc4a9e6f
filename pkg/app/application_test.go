package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/nano-chat/pkg/conversation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine/scripted"
	"github.com/go-go-golems/nano-chat/pkg/inference/sessionpool"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
)

func newApp(t *testing.T, eng *scripted.Engine) (*Application, *chatstore.InMemoryStore) {
	t.Helper()
	store := chatstore.NewInMemoryStore()
	a := New(eng, store, nil, Options{Model: "scripted", MaxContext: 20})
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown() })
	return a, store
}

func texts(msgs []engine.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Text())
	}
	return out
}

func TestSendCreatesConversationAndDerivesTitle(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(
		scripted.Text("Sure, here is a plan."),
		scripted.Text("  Weekend Hiking Plan \n"),
	))
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "  plan a hike  "}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ConvID)
	require.Equal(t, "Sure, here is a plan.", res.Text)
	require.Equal(t, "Weekend Hiking Plan", res.Title)
	require.Equal(t, 1, res.AssistantIndex)

	rec, ok, err := store.GetConversation(ctx, res.ConvID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Weekend Hiking Plan", rec.Title)

	msgs, err := store.Messages(ctx, res.ConvID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:plan a hike", "assistant:Sure, here is a plan."}, texts(msgs))

	// no second title on later turns
	eng.Enqueue(scripted.Text("ok"))
	res2, err := a.Send(ctx, SendRequest{ConvID: res.ConvID, Content: "thanks"}, nil)
	require.NoError(t, err)
	require.Empty(t, res2.Title)
	require.Equal(t, 3, res2.AssistantIndex)
}

func TestSendKeepsDefaultTitleWhenEngineReturnsBlank(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("hi"), scripted.Response{Chunks: []string{"   "}}))
	a, store := newApp(t, eng)

	res, err := a.Send(context.Background(), SendRequest{Content: "hello"}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Title)
	rec, _, err := store.GetConversation(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Equal(t, chatstore.DefaultTitle, rec.Title)
}

func TestSendUsesStoredHistoryForReopenedConversation(t *testing.T) {
	eng := scripted.New()
	a, store := newApp(t, eng)
	ctx := context.Background()

	rec, err := store.CreateConversation(ctx, "old")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, rec.ID, engine.NewTextMessage(engine.RoleUser, "earlier question"))
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, rec.ID, engine.NewTextMessage(engine.RoleAssistant, "earlier answer"))
	require.NoError(t, err)

	_, err = a.Send(ctx, SendRequest{ConvID: rec.ID, Content: "follow up"}, nil)
	require.NoError(t, err)

	var prompt string
	for _, s := range eng.Sessions() {
		if ps := s.Prompts(); len(ps) > 0 {
			prompt = ps[0]
		}
	}
	require.Equal(t, "user: earlier question\nassistant: earlier answer\nuser: follow up", prompt)
}

func TestSendUnknownConversation(t *testing.T) {
	a, _ := newApp(t, scripted.New())
	_, err := a.Send(context.Background(), SendRequest{ConvID: "missing", Content: "x"}, nil)
	require.ErrorIs(t, err, chatstore.ErrConversationNotFound)

	_, err = a.Send(context.Background(), SendRequest{Content: "   "}, nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

type abortingSink struct {
	once  sync.Once
	abort func()
}

func (s *abortingSink) PublishChunk(context.Context, conversation.Chunk) error {
	s.once.Do(s.abort)
	return nil
}

func TestSendAbortStoresPartialReply(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(
		scripted.Response{Chunks: []string{"Par", "tial", " never"}},
		scripted.Text("Title"),
	))
	a, store := newApp(t, eng)

	sink := &abortingSink{abort: func() { a.Abort("cli") }}
	res, err := a.Send(context.Background(), SendRequest{Content: "go", Slot: "cli"}, sink)
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Equal(t, "Par", res.Text)

	msgs, err := store.Messages(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:go", "assistant:Par"}, texts(msgs))
}

func TestSendGenerationFailureKeepsUserMessage(t *testing.T) {
	boom := errors.New("model crashed")
	eng := scripted.New(scripted.WithResponses(scripted.Response{Chunks: []string{"half"}, Err: boom}))
	a, store := newApp(t, eng)

	res, err := a.Send(context.Background(), SendRequest{Content: "go"}, nil)
	var gerr *conversation.GenerationError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, "half", gerr.Partial)
	require.ErrorIs(t, err, boom)

	msgs, err := store.Messages(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:go"}, texts(msgs))
}

func TestEditTruncatesAndReruns(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(
		scripted.Text("a1"), scripted.Text("Title"),
		scripted.Text("a2"),
		scripted.Text("a1 edited"),
	))
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "u1"}, nil)
	require.NoError(t, err)
	_, err = a.Send(ctx, SendRequest{ConvID: res.ConvID, Content: "u2"}, nil)
	require.NoError(t, err)

	out, err := a.Edit(ctx, res.ConvID, 0, "u1 again", TurnRef{}, nil)
	require.NoError(t, err)
	require.Equal(t, "a1 edited", out.Text)
	require.Equal(t, 1, out.AssistantIndex)

	msgs, err := store.Messages(ctx, res.ConvID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:u1 again", "assistant:a1 edited"}, texts(msgs))
	require.Equal(t, []string{"user:u1 again", "assistant:a1 edited"}, texts(a.Coordinator().Window(res.ConvID).Messages()))

	_, err = a.Edit(ctx, res.ConvID, 1, "not a user message", TurnRef{}, nil)
	require.Error(t, err)
	_, err = a.Edit(ctx, res.ConvID, 9, "x", TurnRef{}, nil)
	require.Error(t, err)
}

// startSlowSend sends content in the background and returns once its first chunk arrived.
func startSlowSend(t *testing.T, a *Application, convID, content string) <-chan SendResult {
	t.Helper()
	started := make(chan struct{})
	var once sync.Once
	sink := conversation.SinkFunc(func(context.Context, conversation.Chunk) error {
		once.Do(func() { close(started) })
		return nil
	})
	done := make(chan SendResult, 1)
	go func() {
		res, err := a.Send(context.Background(), SendRequest{ConvID: convID, Content: content, Slot: convID}, sink)
		require.NoError(t, err)
		done <- res
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("background send never streamed")
	}
	return done
}

func TestEditSupersedesRunningTurn(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(20*time.Millisecond),
		scripted.WithResponses(
			scripted.Text("a1"), scripted.Text("T"),
			scripted.Response{Chunks: []string{"slow", " second", " reply", " that", " keeps", " going"}},
			scripted.Text("edited reply"),
		),
	)
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "q1"}, nil)
	require.NoError(t, err)
	convID := res.ConvID

	done := startSlowSend(t, a, convID, "q2")

	out, err := a.Edit(ctx, convID, 0, "q1 edited", TurnRef{Slot: convID}, nil)
	require.NoError(t, err)
	require.False(t, out.Aborted)
	require.Equal(t, "edited reply", out.Text)
	require.Equal(t, 1, out.AssistantIndex)

	prev := <-done
	require.True(t, prev.Aborted)

	want := []string{"user:q1 edited", "assistant:edited reply"}
	msgs, err := store.Messages(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, want, texts(msgs))
	require.Equal(t, want, texts(a.Coordinator().Window(convID).Messages()))
}

func TestRegenerateSupersedesRunningTurn(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(20*time.Millisecond),
		scripted.WithResponses(
			scripted.Text("a1"), scripted.Text("T"),
			scripted.Response{Chunks: []string{"slow", " second", " reply", " that", " keeps", " going"}},
			scripted.Text("fresh"),
		),
	)
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "q1"}, nil)
	require.NoError(t, err)
	convID := res.ConvID

	done := startSlowSend(t, a, convID, "q2")

	out, err := a.Regenerate(ctx, convID, -1, TurnRef{Slot: convID}, nil)
	require.NoError(t, err)
	require.Equal(t, "fresh", out.Text)

	prev := <-done
	require.True(t, prev.Aborted)

	want := []string{"user:q1", "assistant:a1", "user:q2", "assistant:fresh"}
	msgs, err := store.Messages(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, want, texts(msgs))
	require.Equal(t, want, texts(a.Coordinator().Window(convID).Messages()))
}

func TestEditRejectsInvalidIndex(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("a1"), scripted.Text("T")))
	a, _ := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "q1"}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, a.CheckEdit(ctx, res.ConvID, 1), ErrInvalidIndex)
	require.ErrorIs(t, a.CheckEdit(ctx, res.ConvID, -1), ErrInvalidIndex)
	require.NoError(t, a.CheckEdit(ctx, res.ConvID, 0))
	require.ErrorIs(t, a.CheckRegenerate(ctx, res.ConvID, 0), ErrInvalidIndex)
	require.NoError(t, a.CheckRegenerate(ctx, res.ConvID, -1))
	require.ErrorIs(t, a.CheckEdit(ctx, "missing", 0), chatstore.ErrConversationNotFound)
}

func TestRegenerateReplacesLastReply(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(
		scripted.Text("first"), scripted.Text("Title"),
		scripted.Text("second"),
	))
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "question"}, nil)
	require.NoError(t, err)

	out, err := a.Regenerate(ctx, res.ConvID, -1, TurnRef{}, nil)
	require.NoError(t, err)
	require.Equal(t, "second", out.Text)

	msgs, err := store.Messages(ctx, res.ConvID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:question", "assistant:second"}, texts(msgs))

	_, err = a.Regenerate(ctx, res.ConvID, 0, TurnRef{}, nil)
	require.Error(t, err)
}

func TestRegenerateAnswersTrailingUserMessage(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("late answer")))
	a, store := newApp(t, eng)
	ctx := context.Background()

	rec, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, rec.ID, engine.NewTextMessage(engine.RoleUser, "unanswered"))
	require.NoError(t, err)

	out, err := a.Regenerate(ctx, rec.ID, -1, TurnRef{}, nil)
	require.NoError(t, err)
	require.Equal(t, "late answer", out.Text)
	msgs, err := store.Messages(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"user:unanswered", "assistant:late answer"}, texts(msgs))
}

func TestDeleteEvictsSession(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("hi"), scripted.Text("T")))
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, a.Pool().Len())

	require.NoError(t, a.Delete(ctx, res.ConvID))
	require.Equal(t, 0, a.Pool().Len())
	require.False(t, a.Coordinator().HasWindow(res.ConvID))
	_, ok, err := store.GetConversation(ctx, res.ConvID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDegradedModeWhenEngineUnavailable(t *testing.T) {
	eng := scripted.New(scripted.WithAvailability(engine.AvailabilityNeedsDownload))
	store := chatstore.NewInMemoryStore()
	a := New(eng, store, nil, Options{Model: "llama3.2"})
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown() })

	require.Contains(t, a.Notice(), "ollama pull llama3.2")
	require.Equal(t, "needs-download", a.Status().Availability)

	_, err := a.Send(context.Background(), SendRequest{Content: "hi"}, nil)
	require.ErrorIs(t, err, sessionpool.ErrEngineUnavailable)

	// history stays browsable
	list, err := a.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestUsagePrefersSessionReport(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("hi"), scripted.Text("T")))
	a, _ := newApp(t, eng)

	res, err := a.Send(context.Background(), SendRequest{Content: "hello"}, nil)
	require.NoError(t, err)
	u, err := a.Usage(res.ConvID)
	require.NoError(t, err)
	require.Equal(t, 4096, u.InputQuota)
	require.Positive(t, u.InputUsage)

	// without a pooled session the window is estimated
	u, err = a.Usage("other")
	require.NoError(t, err)
	require.Equal(t, 4096, u.InputQuota)
	require.Equal(t, 0, u.InputUsage)
}

func TestSendWithAttachments(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("a cat"), scripted.Text("Cat")))
	a, store := newApp(t, eng)
	ctx := context.Background()

	res, err := a.Send(ctx, SendRequest{Content: "what is this", Attachments: []Attachment{
		{Name: "cat.png", MediaType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
		{Name: "notes.txt", MediaType: "text/plain; charset=utf-8", Data: []byte("meow")},
	}}, nil)
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, res.ConvID)
	require.NoError(t, err)
	require.Len(t, msgs[0].Parts, 3)
	require.Equal(t, engine.PartImage, msgs[0].Parts[1].Type)
	require.Contains(t, msgs[0].Parts[2].Text, "FILE ATTACHED: notes.txt")

	var appended []engine.Message
	for _, s := range eng.Sessions() {
		if h := s.History(); len(h) > 0 {
			appended = h
		}
	}
	require.Len(t, appended, 1)
	require.Equal(t, engine.RoleUser, appended[0].Role)
}
