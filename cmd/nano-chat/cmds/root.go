// Package cmds holds the nano-chat command line.
package cmds

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/nano-chat/pkg/config"
)

// cliEnv is what PersistentPreRunE resolves for every subcommand.
type cliEnv struct {
	viper    *viper.Viper
	settings config.Settings
}

type rootFlags struct {
	configFile string
}

func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	env := &cliEnv{}

	root := &cobra.Command{
		Use:           "nano-chat",
		Short:         "Chat with a local language model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(flags.configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			s, err := config.Load(v)
			if err != nil {
				return err
			}
			initLogger(cmd.ErrOrStderr(), s.LogLevel)
			env.viper = v
			env.settings = s
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to a YAML config file (default ~/.nano-chat/config.yaml)")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("engine", config.EngineOllama, "Inference engine (ollama or scripted)")
	pf.String("model", "llama3.2", "Model name")
	pf.String("db", "", "Chat history database file, or :memory:")

	root.AddCommand(
		newChatCommand(env),
		newAskCommand(env),
		newServeCommand(env),
		newHistoryCommand(env),
		newModelsCommand(env),
		newConfigCommand(env),
	)

	return root
}

// flagKeys maps persistent flags to their settings key.
var flagKeys = map[string]string{
	"log-level": "log-level",
	"engine":    "engine",
	"model":     "ollama.model",
	"db":        "store.dsn",
}

// bindFlags lets explicitly set flags override the config file and environment.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}

func initLogger(w io.Writer, level string) {
	zerolog.SetGlobalLevel(parseZerologLevel(level))
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// parseZerologLevel converts a string level into zerolog.Level with a safe default
func parseZerologLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "info":
		fallthrough
	default:
		return zerolog.InfoLevel
	}
}
