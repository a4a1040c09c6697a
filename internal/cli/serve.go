package cli

import (
	"fmt"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the avatar engine",
	Long: `Run the avatar engine in the foreground until SIGINT or SIGTERM.
Active sessions are closed with "going away" on shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d, PID file: %s)", pid, pidFile)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	cliLog := log.Component("cli")
	for _, err := range config.NewValidator().ValidateConfig(cfg) {
		cliLog.Warn().Err(err).Msg("Configuration problem")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "avatarcore listening on %s\n", d.GetGatewayServer().Addr())
	d.Wait()
	return nil
}
