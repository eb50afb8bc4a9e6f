package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

const titleInstruction = "You are an AI assistant. Generate a concise, engaging title under 6 words that reflects " +
	"the core intent of the user's first message, from their perspective. The title should summarize the query " +
	"clearly to aid in future searchability. Respond only with the title, no explanations."

func titlePrompt(firstUserMessage string) string {
	return fmt.Sprintf("%s\n\nUser: Generate a title for this message: '%s'.\nAssistant:", titleInstruction, firstUserMessage)
}

// DeriveTitle asks the conversation's pooled session for a short title. The bool is false
// when the engine answered with nothing but whitespace. It waits for any running turn of
// the conversation, since the session serves one caller at a time.
func (c *Coordinator) DeriveTitle(ctx context.Context, convID string, firstUserMessage string) (string, bool, error) {
	st := c.state(convID)
	st.mu.Lock()
	defer st.mu.Unlock()

	session, err := c.pool.Acquire(ctx, convID)
	if err != nil {
		return "", false, errors.Wrap(err, "acquire session")
	}
	out, err := session.Prompt(ctx, titlePrompt(firstUserMessage), engine.GenerateOptions{})
	if err != nil {
		return "", false, &GenerationError{ConversationID: convID, Err: err}
	}
	title := strings.TrimSpace(out)
	if title == "" {
		return "", false, nil
	}
	return title, true, nil
}
