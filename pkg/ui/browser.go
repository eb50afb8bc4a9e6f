// Package ui holds the full-screen terminal views of nano-chat.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/nano-chat/pkg/render"
)

const listWidth = 48

var (
	titleStyle = lipgloss.NewStyle().MarginLeft(2).Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	paneStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Align(lipgloss.Center).
			PaddingTop(2)
	modalStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 3)
	modalTitleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).PaddingLeft(2)

	selectedTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62"))
	selectedDescStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Background(lipgloss.Color("62"))
	normalTitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
	normalDescStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
)

// HistorySource is what the browser reads and deletes conversations through.
type HistorySource interface {
	List(ctx context.Context) ([]chatstore.ConversationRecord, error)
	Messages(ctx context.Context, convID string) ([]engine.Message, error)
	Delete(ctx context.Context, convID string) error
}

type conversationItem struct {
	rec chatstore.ConversationRecord
}

func (i conversationItem) Title() string { return i.rec.Title }
func (i conversationItem) Description() string {
	return fmt.Sprintf("%d messages, %s", i.rec.MessageCount, i.rec.UpdatedAt.Local().Format("2006-01-02 15:04"))
}
func (i conversationItem) FilterValue() string { return i.rec.Title }

type mode int

const (
	normalMode mode = iota
	detailMode
	confirmDeleteMode
)

type messagesLoadedMsg struct {
	convID string
	msgs   []engine.Message
	err    error
}

type deletedMsg struct {
	convID string
	err    error
}

// Browser is the bubbletea model of the history browser. Enter shows a conversation in
// full, o opens it for chatting, d deletes it after a confirmation and c copies it.
type Browser struct {
	ctx      context.Context
	source   HistorySource
	renderer *render.Renderer

	list     list.Model
	preview  viewport.Model
	detail   viewport.Model
	selected string
	messages map[string][]engine.Message
	status   string

	ready  bool
	width  int
	height int
	mode   mode
	opened string
}

// NewBrowser lists the conversations of source. It fails when there is nothing to browse.
func NewBrowser(ctx context.Context, source HistorySource, renderer *render.Renderer) (*Browser, error) {
	recs, err := source.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.New("no conversations yet")
	}
	items := make([]list.Item, 0, len(recs))
	for _, rec := range recs {
		items = append(items, conversationItem{rec: rec})
	}

	delegate := list.NewDefaultDelegate()
	delegate.Styles.NormalTitle = normalTitleStyle
	delegate.Styles.NormalDesc = normalDescStyle
	delegate.Styles.SelectedTitle = selectedTitleStyle
	delegate.Styles.SelectedDesc = selectedDescStyle

	l := list.New(items, delegate, 0, 0)
	l.Title = "Conversations"
	l.Styles.Title = titleStyle
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(true)

	return &Browser{
		ctx:      ctx,
		source:   source,
		renderer: renderer,
		list:     l,
		messages: map[string][]engine.Message{},
	}, nil
}

// Opened is the conversation the user chose to continue, or "".
func (b *Browser) Opened() string { return b.opened }

func (b *Browser) Init() tea.Cmd {
	return b.selectCurrent()
}

func (b *Browser) current() (chatstore.ConversationRecord, bool) {
	item, ok := b.list.SelectedItem().(conversationItem)
	if !ok {
		return chatstore.ConversationRecord{}, false
	}
	return item.rec, true
}

// selectCurrent shows the highlighted conversation, loading it when needed.
func (b *Browser) selectCurrent() tea.Cmd {
	rec, ok := b.current()
	if !ok {
		b.selected = ""
		return nil
	}
	if rec.ID == b.selected {
		return nil
	}
	b.selected = rec.ID
	if msgs, ok := b.messages[rec.ID]; ok {
		b.preview.SetContent(b.format(msgs))
		b.preview.GotoTop()
		return nil
	}
	b.preview.SetContent("Loading...")
	ctx, source, id := b.ctx, b.source, rec.ID
	return func() tea.Msg {
		msgs, err := source.Messages(ctx, id)
		return messagesLoadedMsg{convID: id, msgs: msgs, err: err}
	}
}

func (b *Browser) format(msgs []engine.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		sb.WriteString(b.renderer.Message(i, m))
	}
	if sb.Len() == 0 {
		return "(empty conversation)"
	}
	return sb.String()
}

func (b *Browser) transcript(convID string) string {
	return engine.FormatPrompt(b.messages[convID])
}

func (b *Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case messagesLoadedMsg:
		if msg.err != nil {
			b.status = msg.err.Error()
			return b, nil
		}
		b.messages[msg.convID] = msg.msgs
		if msg.convID == b.selected {
			b.preview.SetContent(b.format(msg.msgs))
			b.preview.GotoTop()
		}
		return b, nil

	case deletedMsg:
		if msg.err != nil {
			b.status = msg.err.Error()
			return b, nil
		}
		for i, item := range b.list.Items() {
			if ci, ok := item.(conversationItem); ok && ci.rec.ID == msg.convID {
				b.list.RemoveItem(i)
				break
			}
		}
		delete(b.messages, msg.convID)
		b.status = "Deleted."
		b.selected = ""
		return b, b.selectCurrent()

	case tea.WindowSizeMsg:
		b.resize(msg.Width, msg.Height)
		return b, nil

	case tea.KeyMsg:
		switch b.mode {
		case detailMode:
			switch msg.String() {
			case "ctrl+c":
				return b, tea.Quit
			case "esc", "enter", "q", "backspace":
				b.mode = normalMode
				return b, nil
			}
			var cmd tea.Cmd
			b.detail, cmd = b.detail.Update(msg)
			return b, cmd

		case confirmDeleteMode:
			switch msg.String() {
			case "y", "Y":
				b.mode = normalMode
				ctx, source, id := b.ctx, b.source, b.selected
				return b, func() tea.Msg {
					return deletedMsg{convID: id, err: source.Delete(ctx, id)}
				}
			case "ctrl+c":
				return b, tea.Quit
			default:
				b.mode = normalMode
				b.status = "Kept."
				return b, nil
			}

		case normalMode:
			if b.list.FilterState() == list.Filtering {
				break
			}
			switch msg.String() {
			case "q", "ctrl+c":
				return b, tea.Quit
			case "o":
				if b.selected != "" {
					b.opened = b.selected
					return b, tea.Quit
				}
			case "enter":
				if msgs, ok := b.messages[b.selected]; ok {
					b.detail.SetContent(b.format(msgs))
					b.detail.GotoTop()
					b.mode = detailMode
				}
				return b, nil
			case "d":
				if b.selected != "" {
					b.mode = confirmDeleteMode
				}
				return b, nil
			case "c":
				if _, ok := b.messages[b.selected]; ok {
					if err := clipboard.WriteAll(b.transcript(b.selected)); err != nil {
						b.status = "copy failed: " + err.Error()
					} else {
						b.status = "Copied."
					}
				}
				return b, nil
			}
		}

		var cmd tea.Cmd
		b.list, cmd = b.list.Update(msg)
		cmds = append(cmds, cmd, b.selectCurrent())
		var pcmd tea.Cmd
		b.preview, pcmd = b.preview.Update(msg)
		cmds = append(cmds, pcmd)
	}

	return b, tea.Batch(cmds...)
}

func (b *Browser) resize(width, height int) {
	b.width = width
	b.height = height
	b.list.SetSize(listWidth, height-2)
	previewWidth := width - listWidth - 6
	if previewWidth < 10 {
		previewWidth = 10
	}
	modalWidth := width - 16
	if modalWidth < 20 {
		modalWidth = 20
	}
	if !b.ready {
		b.preview = viewport.New(previewWidth, height-4)
		b.detail = viewport.New(modalWidth-8, height-12)
		b.ready = true
		if msgs, ok := b.messages[b.selected]; ok {
			b.preview.SetContent(b.format(msgs))
		}
		return
	}
	b.preview.Width = previewWidth
	b.preview.Height = height - 4
	b.detail.Width = modalWidth - 8
	b.detail.Height = height - 12
}

func (b *Browser) baseView() string {
	left := b.list.View()
	var right string
	if b.selected == "" {
		right = emptyStyle.Render("Select a conversation")
	} else {
		right = b.preview.View()
	}
	view := lipgloss.JoinHorizontal(lipgloss.Top,
		paneStyle.Width(listWidth).Render(left),
		paneStyle.Width(b.width-listWidth-4).Height(b.height-2).Render(right),
	)
	if b.status != "" {
		view = lipgloss.JoinVertical(lipgloss.Left, view, statusStyle.Render(b.status))
	}
	return view
}

func (b *Browser) modal(title, body, help string) string {
	box := modalStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		modalTitleStyle.Render(" "+title+" "),
		body,
		emptyStyle.PaddingTop(1).Render(help),
	))
	return lipgloss.Place(b.width, b.height, lipgloss.Center, lipgloss.Center, box)
}

func (b *Browser) View() string {
	if !b.ready {
		return "Loading..."
	}
	switch b.mode {
	case detailMode:
		rec, _ := b.current()
		return b.modal(rec.Title, b.detail.View(), "Press ESC or Enter to close")
	case confirmDeleteMode:
		rec, _ := b.current()
		return b.modal("Delete conversation", fmt.Sprintf("Delete %q?", rec.Title), "y to delete, any other key to keep")
	default:
		return b.baseView()
	}
}

// RunBrowser runs the browser full screen and returns the conversation chosen with o.
func RunBrowser(ctx context.Context, source HistorySource, renderer *render.Renderer) (string, error) {
	b, err := NewBrowser(ctx, source, renderer)
	if err != nil {
		return "", err
	}
	final, err := tea.NewProgram(b, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", errors.Wrap(err, "run history browser")
	}
	if fb, ok := final.(*Browser); ok {
		return fb.Opened(), nil
	}
	return "", nil
}
