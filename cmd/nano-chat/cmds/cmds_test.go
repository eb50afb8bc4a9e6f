package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine/scripted"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/nano-chat/pkg/render"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseZerologLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseZerologLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseZerologLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseZerologLevel("nonsense"))
}

func TestAskThenHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chat.db")
	common := []string{"--engine", "scripted", "--db", db, "--config", filepath.Join(t.TempDir(), "none.yaml")}

	_, err := runRoot(t, "", append([]string{"ask", "--json", "what", "is", "up"}, common...)...)
	// an explicit config file that does not exist is an error
	require.Error(t, err)

	common = []string{"--engine", "scripted", "--db", db}
	out, err := runRoot(t, "", append([]string{"ask", "--json", "what", "is", "up"}, common...)...)
	require.NoError(t, err)
	var res app.SendResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.ConvID)
	require.True(t, strings.HasPrefix(res.Text, "echo: "), res.Text)
	require.Equal(t, 1, res.AssistantIndex)

	out, err = runRoot(t, "", append([]string{"history", "list"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, res.ConvID)
	require.Contains(t, out, "2 messages")

	out, err = runRoot(t, "", append([]string{"history", "copy", "--print", res.ConvID, "0"}, common...)...)
	require.NoError(t, err)
	require.Equal(t, "what is up\n", out)

	out, err = runRoot(t, "n\n", append([]string{"history", "delete", res.ConvID}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "Kept.")

	_, err = runRoot(t, "", append([]string{"history", "delete", "--yes", res.ConvID}, common...)...)
	require.NoError(t, err)

	out, err = runRoot(t, "", append([]string{"history", "list"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "No conversations yet.")
}

func TestConfigShow(t *testing.T) {
	out, err := runRoot(t, "", "config", "show", "--engine", "scripted", "--model", "tiny")
	require.NoError(t, err)
	require.Contains(t, out, "engine: scripted")
	require.Contains(t, out, "model: tiny")
}

func TestInvalidSettingsFail(t *testing.T) {
	_, err := runRoot(t, "", "config", "show", "--engine", "gpt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown engine")
}

func newTestRepl(t *testing.T, eng *scripted.Engine) (*repl, *bytes.Buffer) {
	t.Helper()
	a := app.New(eng, chatstore.NewInMemoryStore(), nil, app.Options{Model: "scripted", MaxContext: 20})
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown() })
	var out bytes.Buffer
	return newRepl(a, render.New(&out, 80), &out), &out
}

func TestReplConversation(t *testing.T) {
	eng := scripted.New(scripted.WithResponses(
		scripted.Response{Chunks: []string{"Hi ", "there"}},
		scripted.Text("Greeting"),
		scripted.Text("Hello again"),
	))
	r, out := newTestRepl(t, eng)

	input := "hello\n/history\n/regenerate\n/title Renamed\n/bogus\n/quit\nnever sent\n"
	require.NoError(t, r.run(context.Background(), strings.NewReader(input)))

	text := out.String()
	require.Contains(t, text, "Hi there")
	require.Contains(t, text, "Title: Greeting")
	require.Contains(t, text, "[0] You\nhello\n")
	require.Contains(t, text, "[1] Assistant\nHi there\n")
	require.Contains(t, text, "Hello again")
	require.Contains(t, text, "unknown command /bogus")
	require.Equal(t, "Hello again", r.lastReply)

	rec, msgs, err := r.app.Open(context.Background(), r.convID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", rec.Title)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello again", msgs[1].Text())
}

func TestReplCommandsNeedConversation(t *testing.T) {
	r, out := newTestRepl(t, scripted.New())
	require.NoError(t, r.run(context.Background(), strings.NewReader("/history\n/edit 0 hi\n/attach\n")))
	require.Equal(t, 2, strings.Count(out.String(), "no conversation yet"))
	require.Contains(t, out.String(), "usage: /attach <path>")
}
