package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

func msgs(spec ...string) []engine.Message {
	out := make([]engine.Message, 0, len(spec))
	for _, s := range spec {
		role := engine.RoleUser
		if s[0] == 'a' {
			role = engine.RoleAssistant
		}
		out = append(out, engine.NewTextMessage(role, s))
	}
	return out
}

func contents(ms []engine.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Content)
	}
	return out
}

func TestRefreshContext(t *testing.T) {
	tests := []struct {
		name     string
		in       []engine.Message
		max      int
		expected []string
	}{
		{
			name:     "under bound is unchanged",
			in:       msgs("u1", "a1", "u2"),
			max:      4,
			expected: []string{"u1", "a1", "u2"},
		},
		{
			name:     "exactly at bound is unchanged",
			in:       msgs("u1", "a1", "u2", "a2"),
			max:      4,
			expected: []string{"u1", "a1", "u2", "a2"},
		},
		{
			name:     "keeps first users and recent tail",
			in:       msgs("u1", "u2", "u3", "a1", "a2", "a3", "u4", "a4"),
			max:      4,
			expected: []string{"u1", "u2", "u4", "a4"},
		},
		{
			name:     "overlap between head and tail is kept",
			in:       msgs("u1", "a1", "u2", "a2", "u3"),
			max:      4,
			expected: []string{"u1", "u2", "a2", "u3"},
		},
		{
			name:     "fewer users than half",
			in:       msgs("u1", "a1", "a2", "a3", "a4"),
			max:      4,
			expected: []string{"u1", "a3", "a4"},
		},
		{
			name:     "odd bound uses floor of half",
			in:       msgs("u1", "a1", "u2", "a2", "u3", "a3"),
			max:      5,
			expected: []string{"u1", "u2", "u3", "a3"},
		},
		{
			name:     "empty input",
			in:       nil,
			max:      4,
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefreshContext(tt.in, tt.max)
			require.Equal(t, tt.expected, contents(got))
		})
	}
}

func TestRefreshContextDefaultsBound(t *testing.T) {
	in := make([]engine.Message, 0, 30)
	for i := 0; i < 30; i++ {
		in = append(in, engine.NewTextMessage(engine.RoleAssistant, "a"))
	}
	require.Len(t, RefreshContext(in, 0), DefaultMaxContext/2)
}

func TestRefreshContextDoesNotAliasInput(t *testing.T) {
	in := msgs("u1", "a1")
	out := RefreshContext(in, 4)
	out[0].Content = "changed"
	require.Equal(t, "u1", in[0].Content)
}

func TestWindowAppendTruncates(t *testing.T) {
	w := NewWindow(4)
	w.Append(msgs("u1", "a1", "u2", "a2")...)
	require.Equal(t, 4, w.Len())
	w.Append(msgs("u3")...)
	require.Equal(t, []string{"u1", "u2", "a2", "u3"}, contents(w.Messages()))

	w.Load(msgs("u1", "u2", "u3", "a1", "a2", "a3", "u4", "a4"))
	require.Equal(t, []string{"u1", "u2", "u4", "a4"}, contents(w.Messages()))

	w.Reset()
	require.Equal(t, 0, w.Len())
}
