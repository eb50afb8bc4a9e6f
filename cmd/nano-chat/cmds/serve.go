package cmds

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/nano-chat/pkg/redisstream"
	"github.com/go-go-golems/nano-chat/pkg/webchat"
)

func newServeCommand(env *cliEnv) *cobra.Command {
	var addr string
	var streamIdle time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API with websocket streaming",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := env.settings
			if cmd.Flags().Changed("addr") {
				s.Server.Addr = addr
			}

			a, err := buildApp(ctx, s, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown() }()
			if n := a.Notice(); n != "" {
				log.Warn().Str("component", "serve").Msg(n)
			}

			transport, err := redisstream.BuildTransport(ctx, s.Redis)
			if err != nil {
				return err
			}
			defer func() {
				if err := transport.Close(); err != nil {
					log.Error().Err(err).Str("component", "serve").Msg("transport close error")
				}
			}()

			srv, err := webchat.NewServer(ctx, a, transport, webchat.Options{
				Addr:              s.Server.Addr,
				StreamIdleTimeout: streamIdle,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().DurationVar(&streamIdle, "stream-idle-timeout", time.Minute, "How long a conversation stream outlives its last websocket client")
	return cmd
}
