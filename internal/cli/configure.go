package cli

import (
	"fmt"
	"os"

	"github.com/harun/avatarcore/internal/config"
	"github.com/spf13/cobra"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Show or initialize the configuration",
	Long: `Show the effective configuration after the config file and AVATAR_*
environment overrides are applied. Secrets are masked.`,
	RunE: runConfigureShow,
}

var configureValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Long: `Check the effective configuration, including handler credentials and
endpoints and the heartbeat window against the idle timeout.`,
	RunE: runConfigureValidate,
}

var configureInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigureInit,
}

func init() {
	configureInitCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.AddCommand(configureInitCmd)
	configureCmd.AddCommand(configureValidateCmd)
	rootCmd.AddCommand(configureCmd)
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, err := range config.NewValidator().ValidateConfig(cfg) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), maskSecrets(cfg).String())
	return nil
}

func runConfigureValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	errs := config.NewValidator().ValidateConfig(cfg)
	for _, err := range errs {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration has %d problem(s)", len(errs))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}

func runConfigureInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set server.shared_secret and handler API keys, then run: avatarcore serve")
	return nil
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Server.SharedSecret = mask(cfg.Server.SharedSecret)
	h := &masked.Handlers
	for _, role := range []*config.HandlerConfig{&h.Detector, &h.Transcriber, &h.Reply, &h.Synthesizer, &h.Renderer, &h.Search} {
		role.APIKey = mask(role.APIKey)
	}
	return &masked
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
