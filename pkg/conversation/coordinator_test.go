package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/nano-chat/pkg/inference/cancellation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine/scripted"
	"github.com/go-go-golems/nano-chat/pkg/inference/sessionpool"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []Chunk
	ends   []TurnEnd
	onPush func(n int)
}

func (s *recordingSink) PublishChunk(_ context.Context, c Chunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	n := len(s.chunks)
	hook := s.onPush
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *recordingSink) PublishTurnEnd(_ context.Context, e TurnEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, e)
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.Text)
	}
	return out
}

func newCoordinator(t *testing.T, eng *scripted.Engine) (*Coordinator, *sessionpool.Pool) {
	t.Helper()
	pool := sessionpool.New(sessionpool.Options{})
	require.NoError(t, pool.Init(context.Background(), eng, engine.SessionOptions{Model: "scripted"}))
	t.Cleanup(pool.Shutdown)
	return NewCoordinator(pool, Options{MaxContext: 4}), pool
}

func userMsg(s string) engine.Message { return engine.NewTextMessage(engine.RoleUser, s) }

func TestRunTurnStreamsChunksInOrder(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Response{Chunks: []string{"Hel", "lo", " wor", "ld"}}))
	c, _ := newCoordinator(t, eng)
	sink := &recordingSink{}

	res, err := c.RunTurn(context.Background(), TurnRequest{
		ConversationID: "c1",
		SystemPrompt:   "be brief",
		Context:        []engine.Message{userMsg("hi"), engine.NewTextMessage(engine.RoleAssistant, "hey")},
		User:           userMsg("say hello world"),
	}, sink)
	require.NoError(t, err)
	require.False(t, res.Aborted)
	require.Equal(t, "Hello world", res.Text)
	require.NotEmpty(t, res.TurnID)
	require.Equal(t, []string{"Hel", "lo", " wor", "ld"}, sink.texts())
	for i, ch := range sink.chunks {
		require.Equal(t, i+1, ch.Seq)
		require.Equal(t, res.TurnID, ch.TurnID)
	}

	require.Len(t, sink.ends, 1)
	require.Equal(t, "Hello world", sink.ends[0].Text)
	require.NoError(t, sink.ends[0].Err)

	session := eng.Sessions()[1]
	require.Equal(t, []string{"system: be brief\nuser: hi\nassistant: hey\nuser: say hello world"}, session.Prompts())
}

func TestCancelAfterSecondChunkStopsForwarding(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Response{Chunks: []string{"Hel", "lo", " wor", "ld"}}))
	c, _ := newCoordinator(t, eng)
	sink := &recordingSink{}
	sink.onPush = func(n int) {
		if n == 2 {
			require.True(t, c.Cancel(""))
		}
	}

	res, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("go")}, sink)
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, []string{"Hel", "lo"}, sink.texts())
	require.Len(t, sink.ends, 1)
	require.True(t, sink.ends[0].Aborted)

	// the slot holds a fresh token, so the next turn runs to completion
	eng.Enqueue(scripted.Text("again"))
	res, err = c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("go")}, nil)
	require.NoError(t, err)
	require.False(t, res.Aborted)
	require.Equal(t, "again", res.Text)
}

func TestGenerationErrorCarriesPartialText(t *testing.T) {
	boom := errors.New("kv cache exhausted")
	eng := scripted.New(scripted.WithResponses(scripted.Response{Chunks: []string{"par", "tial"}, Err: boom}))
	c, _ := newCoordinator(t, eng)
	sink := &recordingSink{}

	res, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("x")}, sink)
	require.Error(t, err)
	var gerr *GenerationError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, "partial", gerr.Partial)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "partial", res.Text)
	require.Len(t, sink.ends, 1)
	require.Error(t, sink.ends[0].Err)
}

func TestRunTurnPropagatesPoolErrors(t *testing.T) {
	eng := scripted.New(scripted.WithAvailability(engine.AvailabilityUnavailable))
	pool := sessionpool.New(sessionpool.Options{})
	require.Error(t, pool.Init(context.Background(), eng, engine.SessionOptions{}))
	c := NewCoordinator(pool, Options{})

	_, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("x")}, nil)
	require.ErrorIs(t, err, sessionpool.ErrEngineUnavailable)
}

func TestAttachmentsAreAppendedAsStructuredItems(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("a cat")))
	c, _ := newCoordinator(t, eng)

	user := engine.Message{Role: engine.RoleUser, Content: "what is this?", Parts: []engine.Part{
		{Type: engine.PartText, Text: "what is this?"},
		{Type: engine.PartImage, Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png", Name: "cat.png"},
	}}
	res, err := c.RunTurn(context.Background(), TurnRequest{
		ConversationID: "c1",
		SystemPrompt:   "describe images",
		Context:        []engine.Message{userMsg("hello")},
		User:           user,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "a cat", res.Text)

	session := eng.Sessions()[1]
	history := session.History()
	require.Len(t, history, 2)
	require.Equal(t, "hello", history[0].Text())
	require.Len(t, history[1].Parts, 2)
	require.Equal(t, []string{""}, session.Prompts())
}

func TestChatMaintainsWindow(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("a1"), scripted.Text("a2"), scripted.Text("a3")))
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := c.Chat(ctx, TurnRequest{ConversationID: "c1", User: userMsg(u)}, nil)
		require.NoError(t, err)
	}

	w := c.Window("c1").Messages()
	require.LessOrEqual(t, len(w), 4)
	require.Equal(t, "a3", w[len(w)-1].Content)

	prompts := eng.Sessions()[1].Prompts()
	require.Len(t, prompts, 3)
	require.Equal(t, "user: u1\nassistant: a1\nuser: u2", prompts[1])
}

func TestChatAbortKeepsPartialReplyInWindow(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Response{Chunks: []string{"one ", "two ", "three"}}))
	c, _ := newCoordinator(t, eng)
	sink := &recordingSink{}
	sink.onPush = func(n int) {
		if n == 1 {
			c.Cancel("")
		}
	}

	res, err := c.Chat(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("count")}, sink)
	require.NoError(t, err)
	require.True(t, res.Aborted)

	w := c.Window("c1").Messages()
	require.Len(t, w, 2)
	require.Equal(t, "one ", w[1].Content)
}

func TestNewTurnSupersedesRunningTurnInSameSlot(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(20*time.Millisecond),
		scripted.WithResponses(
			scripted.Response{Chunks: []string{"a", "b", "c", "d", "e", "f", "g", "h"}},
			scripted.Text("second"),
		),
	)
	c, _ := newCoordinator(t, eng)

	started := make(chan struct{})
	var once sync.Once
	first := &recordingSink{onPush: func(int) { once.Do(func() { close(started) }) }}

	done := make(chan TurnResult, 1)
	go func() {
		res, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("long")}, first)
		require.NoError(t, err)
		done <- res
	}()
	<-started

	res, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("short")}, nil)
	require.NoError(t, err)
	require.Equal(t, "second", res.Text)

	prev := <-done
	require.True(t, prev.Aborted)
}

func TestCallerContextCancellationReturnsError(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(50*time.Millisecond),
		scripted.WithResponses(scripted.Response{Chunks: []string{"a", "b", "c"}}),
	)
	c, _ := newCoordinator(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := c.RunTurn(ctx, TurnRequest{ConversationID: "c1", User: userMsg("x")}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, res.Aborted)
}

func TestDeriveTitle(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(scripted.Text("  Weekend Hiking Plans \n"), scripted.Text("   ")))
	c, pool := newCoordinator(t, eng)
	ctx := context.Background()

	title, ok, err := c.DeriveTitle(ctx, "c1", "where should I hike this weekend?")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Weekend Hiking Plans", title)

	s, found := pool.Peek("c1")
	require.True(t, found)
	prompts := s.(*scripted.Session).Prompts()
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0], "Generate a title for this message: 'where should I hike this weekend?'.")

	title, ok, err = c.DeriveTitle(ctx, "c1", "again")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, title)
}

func TestDeriveTitleWaitsForRunningTurn(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(20*time.Millisecond),
		scripted.WithResponses(
			scripted.Response{Chunks: []string{"a", "b", "c", "d"}},
			scripted.Text("Short Title"),
		),
	)
	c, pool := newCoordinator(t, eng)

	started := make(chan struct{})
	var once sync.Once
	sink := &recordingSink{onPush: func(int) { once.Do(func() { close(started) }) }}
	done := make(chan TurnResult, 1)
	go func() {
		res, err := c.Chat(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("plan a hike")}, sink)
		require.NoError(t, err)
		done <- res
	}()
	<-started

	title, ok, err := c.DeriveTitle(context.Background(), "c1", "plan a hike")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Short Title", title)

	sink.mu.Lock()
	require.Len(t, sink.ends, 1)
	require.Len(t, sink.chunks, 4)
	sink.mu.Unlock()

	res := <-done
	require.False(t, res.Aborted)
	require.Equal(t, "abcd", res.Text)

	s, found := pool.Peek("c1")
	require.True(t, found)
	prompts := s.(*scripted.Session).Prompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "Generate a title for this message")
}

func TestShutdownAllCancelsAndDestroys(t *testing.T) {
	eng := scripted.New(
		scripted.WithChunkDelay(20*time.Millisecond),
		scripted.WithResponses(scripted.Response{Chunks: []string{"a", "b", "c", "d", "e", "f"}}),
	)
	pool := sessionpool.New(sessionpool.Options{})
	require.NoError(t, pool.Init(context.Background(), eng, engine.SessionOptions{}))
	hub := cancellation.NewHub()
	c := NewCoordinator(pool, Options{Hub: hub})

	started := make(chan struct{})
	var once sync.Once
	sink := &recordingSink{onPush: func(int) { once.Do(func() { close(started) }) }}
	done := make(chan TurnResult, 1)
	go func() {
		res, _ := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c1", User: userMsg("x"), Slot: "c1"}, sink)
		done <- res
	}()
	<-started

	c.ShutdownAll()
	res := <-done
	require.True(t, res.Aborted)
	require.Equal(t, 0, eng.Live())

	_, err := c.RunTurn(context.Background(), TurnRequest{ConversationID: "c2", User: userMsg("x")}, nil)
	require.ErrorIs(t, err, sessionpool.ErrPoolUnavailable)
}
