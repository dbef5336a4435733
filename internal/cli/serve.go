package cli

import (
	"fmt"

	"github.com/harun/lumen/internal/config"
	"github.com/harun/lumen/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the lumen daemon in the foreground",
	Long: `Run the lumen daemon in the foreground: the agent loop consumes the
message bus, the gateway serves clients when enabled and cron runs the
maintenance jobs. SIGINT or SIGTERM stops it gracefully.`,
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

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(warning).Msg("Configuration warning")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if gw := d.GetGatewayServer(); gw != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", gw.Addr())
	}
	return d.Wait(cmd.Context())
}
