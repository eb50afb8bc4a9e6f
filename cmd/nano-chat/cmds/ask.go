package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/conversation"
	"github.com/go-go-golems/nano-chat/pkg/render"
)

func newAskCommand(env *cliEnv) *cobra.Command {
	var convID string
	var attach []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the streamed answer",
		Long:  "Ask one question. Without arguments the question is read from stdin. The exchange is stored like any other conversation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			question := strings.Join(args, " ")
			if question == "" && !render.IsTTY(cmd.InOrStdin()) {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read question from stdin")
				}
				question = string(b)
			}

			var atts []app.Attachment
			for _, p := range attach {
				att, err := app.LoadAttachment(p)
				if err != nil {
					return err
				}
				atts = append(atts, att)
			}

			a, err := buildApp(ctx, env.settings, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown() }()

			out := cmd.OutOrStdout()
			var sink conversation.Sink = conversation.SinkFunc(func(_ context.Context, c conversation.Chunk) error {
				_, err := fmt.Fprint(out, c.Text)
				return err
			})
			if asJSON {
				sink = conversation.Discard
			}

			res, err := a.Send(ctx, app.SendRequest{
				ConvID:      convID,
				Content:     question,
				Attachments: atts,
				Slot:        cliSlot,
			}, sink)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&convID, "conversation", "c", "", "Ask within this conversation")
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "Attach files to the question")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON instead of streaming it")
	return cmd
}
