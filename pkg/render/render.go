// Package render formats conversations for the terminal: glamour for assistant markdown
// and lipgloss for role labels and notices. Styling is only applied when the output is a
// terminal so piped output stays plain.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Border(lipgloss.RoundedBorder()).Padding(0, 1)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
)

// IsTTY reports whether stream, a reader or writer, is a terminal.
func IsTTY(stream interface{}) bool {
	f, ok := stream.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type Renderer struct {
	styled bool
	md     *glamour.TermRenderer
}

// New returns a renderer for w. Markdown is word-wrapped at width.
func New(w io.Writer, width int) *Renderer {
	if !IsTTY(w) {
		return &Renderer{}
	}
	return NewStyled(width)
}

// NewStyled returns a renderer that always styles, for full-screen views.
func NewStyled(width int) *Renderer {
	r := &Renderer{styled: true}
	if width <= 0 {
		width = 80
	}
	md, err := Markdown(width)
	if err == nil {
		r.md = md
	}
	return r
}

// Markdown builds a glamour renderer using the terminal's background to pick the style.
func Markdown(width int) (*glamour.TermRenderer, error) {
	return glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
}

func (r *Renderer) Styled() bool { return r.styled }

// Markdown renders md, falling back to the raw text.
func (r *Renderer) Markdown(md string) string {
	if r.md == nil {
		return md
	}
	out, err := r.md.Render(md)
	if err != nil {
		return md
	}
	return out
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

// RoleLabel is the prefix printed before a message.
func (r *Renderer) RoleLabel(role engine.Role) string {
	switch role {
	case engine.RoleUser:
		return r.style(userStyle, "You")
	case engine.RoleAssistant:
		return r.style(assistantStyle, "Assistant")
	case engine.RoleSystem:
		return r.style(mutedStyle, "System")
	default:
		return string(role)
	}
}

func (r *Renderer) Notice(text string) string {
	return r.style(noticeStyle, text)
}

func (r *Renderer) Muted(text string) string {
	return r.style(mutedStyle, text)
}

// Message renders one stored message with its index, attachments listed by name.
func (r *Renderer) Message(index int, m engine.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.Muted(fmt.Sprintf("[%d]", index)), r.RoleLabel(m.Role))
	text := m.Text()
	if m.HasParts() {
		var texts []string
		for _, p := range m.Parts {
			switch p.Type {
			case engine.PartText:
				if p.Name != "" {
					texts = append(texts, r.Muted("(file "+p.Name+")"))
					continue
				}
				texts = append(texts, p.Text)
			case engine.PartImage, engine.PartAudio:
				name := p.Name
				if name == "" {
					name = p.MediaType
				}
				texts = append(texts, r.Muted(fmt.Sprintf("(%s %s)", p.Type, name)))
			}
		}
		text = strings.Join(texts, "\n")
	}
	if m.Role == engine.RoleAssistant {
		b.WriteString(r.Markdown(text))
	} else {
		b.WriteString(text)
	}
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// ConversationLine is one row of a conversation listing.
func (r *Renderer) ConversationLine(c chatstore.ConversationRecord) string {
	return fmt.Sprintf("%s  %s  %s",
		r.Muted(c.ID),
		r.style(titleStyle, c.Title),
		r.Muted(fmt.Sprintf("%d messages, updated %s", c.MessageCount, c.UpdatedAt.Local().Format("2006-01-02 15:04"))))
}
