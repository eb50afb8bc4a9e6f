package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/nano-chat/pkg/render"
)

func newModelsCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the engine can serve and whether the configured one is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, env.settings, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown() }()

			out := cmd.OutOrStdout()
			r := render.New(out, 100)
			st := a.Status()
			_, _ = fmt.Fprintf(out, "%s %s (%s)\n", r.Muted("configured:"), st.Model, st.Availability)
			if st.Notice != "" {
				_, _ = fmt.Fprintln(out, r.Notice(st.Notice))
			}

			models, err := a.Models(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				marker := " "
				if m.Name == st.Model {
					marker = "*"
				}
				_, _ = fmt.Fprintf(out, "%s %s %s\n", marker, m.Name, r.Muted(m.Family))
			}
			return nil
		},
	}
}
