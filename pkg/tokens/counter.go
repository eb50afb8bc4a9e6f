// Package tokens estimates prompt sizes with a tiktoken codec.
package tokens

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// perMessageOverhead approximates the role and separator tokens of one chat message.
const perMessageOverhead = 4

type Counter struct {
	codec tokenizer.Codec
}

// DefaultEncoding picks the codec for a model name. Local models have no published
// tiktoken vocabulary, so anything unknown is counted with cl100k_base.
func DefaultEncoding(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}

func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.Get(DefaultEncoding(model))
	if err != nil {
		return nil, errors.Wrap(err, "error getting tokenizer codec")
	}
	return &Counter{codec: codec}, nil
}

func (c *Counter) Encoding() string {
	return c.codec.GetName()
}

func (c *Counter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "error encoding")
	}
	return len(ids), nil
}

// CountMessages counts the text of every message plus a fixed per-message overhead.
// Binary parts are not counted.
func (c *Counter) CountMessages(msgs []engine.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := c.Count(m.Text())
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total, nil
}
