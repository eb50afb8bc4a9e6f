package app

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// MaxAttachmentSize bounds a single attached file.
const MaxAttachmentSize = 20 << 20

// Attachment is a file attached to a user message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// LoadAttachment reads a file from disk and sniffs its media type.
func LoadAttachment(path string) (Attachment, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Attachment{}, errors.Wrapf(err, "stat attachment %s", path)
	}
	if st.Size() > MaxAttachmentSize {
		return Attachment{}, errors.Errorf("attachment %s is too large (%d bytes)", path, st.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, errors.Wrapf(err, "read attachment %s", path)
	}
	return Attachment{
		Name:      filepath.Base(path),
		MediaType: DetectMediaType(filepath.Base(path), data),
		Data:      data,
	}, nil
}

// DetectMediaType prefers the content sniff for binary formats and the extension for
// text, where sniffing only ever says text/plain.
func DetectMediaType(name string, data []byte) string {
	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "text/plain") && sniffed != "application/octet-stream" {
		return sniffed
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return sniffed
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

func (a Attachment) IsAudio() bool {
	return strings.HasPrefix(a.MediaType, "audio/")
}

// IsText accepts text/* and structured text formats, plus anything that decodes as UTF-8
// without NUL bytes.
func (a Attachment) IsText() bool {
	mt := a.MediaType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml", mt == "application/yaml",
		mt == "application/x-yaml", mt == "application/javascript", mt == "application/toml":
		return true
	}
	if a.IsImage() || a.IsAudio() {
		return false
	}
	return utf8.Valid(a.Data) && !strings.ContainsRune(string(a.Data), 0)
}

func fileAttachmentText(a Attachment) string {
	return fmt.Sprintf("FILE ATTACHED: %s\n---FILE CONTENT START---\n%s\n---FILE CONTENT END---", a.Name, string(a.Data))
}

// BuildUserMessage turns typed text plus attachments into one user message. Without
// attachments the message is plain text. With attachments the text comes first, then
// each image or audio file as a binary part and each text file as a framed text part.
// Unsupported files are rejected.
func BuildUserMessage(content string, attachments []Attachment) (engine.Message, error) {
	msg := engine.NewTextMessage(engine.RoleUser, content)
	if len(attachments) == 0 {
		return msg, nil
	}
	if content != "" {
		msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartText, Text: content})
	}
	for _, a := range attachments {
		switch {
		case a.IsImage():
			msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartImage, Data: a.Data, MediaType: a.MediaType, Name: a.Name})
		case a.IsAudio():
			msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartAudio, Data: a.Data, MediaType: a.MediaType, Name: a.Name})
		case a.IsText():
			msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartText, Text: fileAttachmentText(a), Name: a.Name})
		default:
			return engine.Message{}, errors.Errorf("unsupported attachment %s (%s)", a.Name, a.MediaType)
		}
	}
	return msg, nil
}

// ExpectedInputs lists the modalities a session must accept for these attachments.
func ExpectedInputs(attachments []Attachment) []engine.Modality {
	out := []engine.Modality{engine.ModalityText}
	var image, audio bool
	for _, a := range attachments {
		image = image || a.IsImage()
		audio = audio || a.IsAudio()
	}
	if image {
		out = append(out, engine.ModalityImage)
	}
	if audio {
		out = append(out, engine.ModalityAudio)
	}
	return out
}
