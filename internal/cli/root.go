package cli

import (
	"fmt"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "avatarcore",
	Short: "avatarcore - real-time conversational avatar engine",
	Long: `avatarcore runs the session orchestration and streaming engine for
conversational avatars. Clients connect over WebSocket, send text or audio,
and receive the reply as text chunks plus per-sentence video segments.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.avatarcore/avatarcore.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and environment. An explicit --log-level
// wins over the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger and registers configured secrets with
// its redactor.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if r := log.Redactor(); r != nil {
		r.AddSecret(cfg.Server.SharedSecret)
		for _, h := range []config.HandlerConfig{
			cfg.Handlers.Detector, cfg.Handlers.Transcriber, cfg.Handlers.Reply,
			cfg.Handlers.Synthesizer, cfg.Handlers.Renderer, cfg.Handlers.Search,
		} {
			r.AddSecret(h.APIKey)
		}
	}
	return log, nil
}
