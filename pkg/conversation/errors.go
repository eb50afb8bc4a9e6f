package conversation

// GenerationError reports an engine failure during a turn. Partial holds whatever was
// streamed before the failure; callers decide whether to surface it.
type GenerationError struct {
	ConversationID string
	TurnID         string
	Partial        string
	Err            error
}

func (e *GenerationError) Error() string {
	if e == nil || e.Err == nil {
		return "generation failed"
	}
	return "generation failed for conversation " + e.ConversationID + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Cause() error { return e.Err }
