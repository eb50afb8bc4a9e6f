package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/conversation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/nano-chat/pkg/render"
)

// cliSlot is the cancellation slot of every terminal turn.
const cliSlot = "cli"

const replHelp = `Commands:
  /new                 start a new conversation
  /open <id>           continue a stored conversation
  /history             show the current conversation
  /edit <n> <text>     replace message n and answer it again
  /regenerate [n]      answer again from message n (default: the last reply)
  /title <text>        rename the current conversation
  /usage               show context usage
  /attach <path>       attach a file to the next message
  /copy                copy the last reply to the clipboard
  /quit                leave
Ctrl-C stops a running reply; at the prompt it leaves.`

func newChatCommand(env *cliEnv) *cobra.Command {
	var convID string
	var attach []string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), env.settings, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown() }()
			return runChat(cmd, a, convID, attach)
		},
	}
	cmd.Flags().StringVarP(&convID, "conversation", "c", "", "Continue the conversation with this id")
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "Attach files to the first message")
	return cmd
}

// runChat runs the interactive loop until /quit, end of input or Ctrl-C at the prompt.
func runChat(cmd *cobra.Command, a *app.Application, convID string, attach []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	r := newRepl(a, render.New(out, 100), out)
	if err := r.queueAttachments(attach); err != nil {
		return err
	}
	if convID != "" {
		if err := r.open(ctx, convID); err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			if r.busy() {
				a.Abort(cliSlot)
				continue
			}
			cancel()
			return
		}
	}()

	return r.run(ctx, cmd.InOrStdin())
}

// repl is the interactive chat loop.
type repl struct {
	app *app.Application
	r   *render.Renderer
	out io.Writer

	convID    string
	pending   []app.Attachment
	lastReply string
	turning   atomic.Bool
}

func newRepl(a *app.Application, r *render.Renderer, out io.Writer) *repl {
	return &repl{app: a, r: r, out: out}
}

func (r *repl) busy() bool { return r.turning.Load() }

func (r *repl) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	if n := r.app.Notice(); n != "" {
		r.printf("%s\n", r.r.Notice(n))
	}
	r.printf("%s\n", r.r.Muted("Type a message, or /help for commands."))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		r.printf("%s ", r.r.RoleLabel(engine.RoleUser)+">")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			r.printf("\n")
			return nil
		case line, ok = <-lines:
			if !ok {
				r.printf("\n")
				return nil
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf("%s\n", r.r.Notice(err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			r.printf("%s\n", r.r.Notice(err.Error()))
		}
	}
}

// command runs a slash command and reports whether the loop should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", replHelp)
	case "/new":
		r.convID = ""
		r.lastReply = ""
		r.printf("%s\n", r.r.Muted("Started a new conversation."))
	case "/open":
		if rest == "" {
			return false, errors.New("usage: /open <id>")
		}
		return false, r.open(ctx, rest)
	case "/history":
		if r.convID == "" {
			return false, errors.New("no conversation yet")
		}
		msgs, err := r.app.Messages(ctx, r.convID)
		if err != nil {
			return false, err
		}
		for i, m := range msgs {
			r.printf("%s", r.r.Message(i, m))
		}
	case "/edit":
		if r.convID == "" {
			return false, errors.New("no conversation yet")
		}
		idxText, text, _ := strings.Cut(rest, " ")
		index, err := strconv.Atoi(idxText)
		if err != nil || strings.TrimSpace(text) == "" {
			return false, errors.New("usage: /edit <n> <text>")
		}
		return false, r.turn(ctx, func(sink conversation.Sink) (app.SendResult, error) {
			return r.app.Edit(ctx, r.convID, index, strings.TrimSpace(text), app.TurnRef{Slot: cliSlot}, sink)
		})
	case "/regenerate":
		if r.convID == "" {
			return false, errors.New("no conversation yet")
		}
		index := -1
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil {
				return false, errors.New("usage: /regenerate [n]")
			}
			index = n
		}
		return false, r.turn(ctx, func(sink conversation.Sink) (app.SendResult, error) {
			return r.app.Regenerate(ctx, r.convID, index, app.TurnRef{Slot: cliSlot}, sink)
		})
	case "/title":
		if r.convID == "" || rest == "" {
			return false, errors.New("usage: /title <text> (after the first message)")
		}
		return false, r.app.Rename(ctx, r.convID, rest)
	case "/usage":
		u, err := r.app.Usage(r.convID)
		if err != nil {
			return false, err
		}
		r.printf("%s\n", r.r.Muted(fmt.Sprintf("%d of %d tokens used, %d left", u.InputUsage, u.InputQuota, u.Left())))
	case "/attach":
		if rest == "" {
			return false, errors.New("usage: /attach <path>")
		}
		return false, r.queueAttachments([]string{rest})
	case "/copy":
		if r.lastReply == "" {
			return false, errors.New("nothing to copy yet")
		}
		if err := clipboard.WriteAll(r.lastReply); err != nil {
			return false, errors.Wrap(err, "copy to clipboard")
		}
		r.printf("%s\n", r.r.Muted("Copied the last reply."))
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func (r *repl) queueAttachments(paths []string) error {
	for _, p := range paths {
		att, err := app.LoadAttachment(p)
		if err != nil {
			return err
		}
		r.pending = append(r.pending, att)
		r.printf("%s\n", r.r.Muted(fmt.Sprintf("Attached %s (%s).", att.Name, att.MediaType)))
	}
	return nil
}

func (r *repl) open(ctx context.Context, convID string) error {
	rec, msgs, err := r.app.Open(ctx, convID)
	if err != nil {
		return err
	}
	r.convID = rec.ID
	r.lastReply = lastAssistantText(msgs)
	r.printf("%s\n", r.r.Muted(fmt.Sprintf("Continuing %q (%d messages).", rec.Title, len(msgs))))
	return nil
}

func (r *repl) send(ctx context.Context, content string) error {
	atts := r.pending
	r.pending = nil
	return r.turn(ctx, func(sink conversation.Sink) (app.SendResult, error) {
		return r.app.Send(ctx, app.SendRequest{
			ConvID:      r.convID,
			Content:     content,
			Attachments: atts,
			Slot:        cliSlot,
		}, sink)
	})
}

// turn streams one reply to the terminal.
func (r *repl) turn(ctx context.Context, fn func(sink conversation.Sink) (app.SendResult, error)) error {
	r.turning.Store(true)
	defer r.turning.Store(false)

	r.printf("%s\n", r.r.RoleLabel(engine.RoleAssistant))
	sink := conversation.SinkFunc(func(_ context.Context, c conversation.Chunk) error {
		r.printf("%s", c.Text)
		return nil
	})
	res, err := fn(sink)
	if res.ConvID != "" {
		r.convID = res.ConvID
	}
	r.printf("\n")
	if err != nil {
		log.Debug().Err(err).Str("component", "cli").Str("conv_id", res.ConvID).Msg("turn failed")
		return err
	}
	if res.Text != "" {
		r.lastReply = res.Text
	}
	if res.Aborted {
		r.printf("%s\n", r.r.Muted("(stopped)"))
	}
	if res.Title != "" {
		r.printf("%s\n", r.r.Muted("Title: "+res.Title))
	}
	return nil
}

func lastAssistantText(msgs []engine.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == engine.RoleAssistant {
			return msgs[i].Text()
		}
	}
	return ""
}

// printConversation writes a stored conversation with its messages.
func printConversation(w io.Writer, r *render.Renderer, rec chatstore.ConversationRecord, msgs []engine.Message) {
	_, _ = fmt.Fprintln(w, r.ConversationLine(rec))
	for i, m := range msgs {
		_, _ = fmt.Fprint(w, r.Message(i, m))
	}
}
