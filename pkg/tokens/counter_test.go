package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

func TestDefaultEncoding(t *testing.T) {
	require.Equal(t, tokenizer.Cl100kBase, DefaultEncoding("llama3.2"))
	require.Equal(t, tokenizer.Cl100kBase, DefaultEncoding("gpt-4"))
	require.Equal(t, tokenizer.O200kBase, DefaultEncoding("gpt-4o-mini"))
	require.Equal(t, tokenizer.P50kBase, DefaultEncoding("text-davinci-003"))
}

func TestCount(t *testing.T) {
	c, err := NewCounter("llama3.2")
	require.NoError(t, err)

	n, err := c.Count("")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = c.Count("hello world")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCountMessagesAddsOverhead(t *testing.T) {
	c, err := NewCounter("")
	require.NoError(t, err)

	text, err := c.Count("hello world")
	require.NoError(t, err)

	n, err := c.CountMessages([]engine.Message{
		engine.NewTextMessage(engine.RoleUser, "hello world"),
		{Role: engine.RoleUser, Parts: []engine.Part{{Type: engine.PartImage, Data: []byte{1, 2, 3}}}},
	})
	require.NoError(t, err)
	require.Equal(t, text+2*perMessageOverhead, n)
}
