package cmds

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/render"
	"github.com/go-go-golems/nano-chat/pkg/ui"
)

func newHistoryCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"h"},
		Short:   "Browse and manage stored conversations",
	}
	cmd.AddCommand(
		newHistoryListCommand(env),
		newHistoryShowCommand(env),
		newHistoryRenameCommand(env),
		newHistoryDeleteCommand(env),
		newHistoryCopyCommand(env),
		newHistoryBrowseCommand(env),
	)
	return cmd
}

// withHistory runs fn against an application whose engine is left down.
func withHistory(ctx context.Context, env *cliEnv, fn func(a *app.Application) error) error {
	a, err := buildApp(ctx, env.settings, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Shutdown() }()
	return fn(a)
}

func newHistoryListCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), env, func(a *app.Application) error {
				recs, err := a.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				r := render.New(out, 100)
				if len(recs) == 0 {
					_, _ = fmt.Fprintln(out, r.Muted("No conversations yet."))
					return nil
				}
				for _, rec := range recs {
					_, _ = fmt.Fprintln(out, r.ConversationLine(rec))
				}
				return nil
			})
		},
	}
}

func newHistoryShowCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), env, func(a *app.Application) error {
				rec, ok, err := a.Store().GetConversation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("conversation %s not found", args[0])
				}
				msgs, err := a.Messages(cmd.Context(), rec.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printConversation(out, render.New(out, 100), rec, msgs)
				return nil
			})
		},
	}
}

func newHistoryRenameCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), env, func(a *app.Application) error {
				return a.Rename(cmd.Context(), args[0], strings.Join(args[1:], " "))
			})
		},
	}
}

func newHistoryDeleteCommand(env *cliEnv) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), env, func(a *app.Application) error {
				rec, ok, err := a.Store().GetConversation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("conversation %s not found", args[0])
				}
				if !yes {
					confirmed, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete %q? [y/N]", rec.Title))
					if err != nil {
						return err
					}
					if !confirmed {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Kept.")
						return nil
					}
				}
				return a.Delete(cmd.Context(), rec.ID)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// confirm asks a yes/no question, defaulting to no.
func confirm(in io.Reader, out io.Writer, query string) (bool, error) {
	prompt := &input.UI{Writer: out, Reader: in}
	answer, err := prompt.Ask(query, &input.Options{
		Default:     "n",
		HideDefault: true,
		Loop:        true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "yes", "n", "no", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func newHistoryCopyCommand(env *cliEnv) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "copy <id> [index]",
		Short: "Copy a conversation, or one of its messages, to the clipboard",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), env, func(a *app.Application) error {
				msgs, err := a.Messages(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				text := engine.FormatPrompt(msgs)
				if len(args) == 2 {
					index, err := strconv.Atoi(args[1])
					if err != nil || index < 0 || index >= len(msgs) {
						return errors.Errorf("message index %q out of range [0, %d)", args[1], len(msgs))
					}
					text = msgs[index].Text()
				}
				if printOnly {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
					return err
				}
				if err := clipboard.WriteAll(text); err != nil {
					return errors.Wrap(err, "copy to clipboard")
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Copied %d characters.\n", len(text))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print instead of copying")
	return cmd
}

func newHistoryBrowseCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse conversations full screen; o continues the highlighted one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, env.settings, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown() }()

			opened, err := ui.RunBrowser(ctx, a, render.NewStyled(80))
			if err != nil || opened == "" {
				return err
			}
			if err := a.Initialize(ctx); err != nil {
				return err
			}
			return runChat(cmd, a, opened, nil)
		},
	}
}
