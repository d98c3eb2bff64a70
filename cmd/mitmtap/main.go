package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mitmtap",
	Short: "Recording and intercepting HTTP(S) forward proxy",
	Long: `MitmTap is a forward proxy that records the requests passing through it and can
replay a recorded request's headers and body onto later requests with the same method.

Point a client at the proxy, trust the configured root CA for HTTPS, and drive it
through the local control API.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  showConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")

	// Proxy
	flags.String("host", "", "Proxy bind address")
	flags.IntP("port", "p", 0, "Proxy listen port")
	flags.StringP("mode", "m", "", "Initial mode (recording, interception)")
	flags.StringP("domain", "d", "", "Initial domain filter (substring of the host)")
	flags.Bool("auto-start", true, "Start the proxy listener on launch")
	flags.Int64("max-body-bytes", 0, "Maximum captured request body size in bytes")
	flags.Duration("shutdown-grace", 0, "Time in-flight flows get to finish when the proxy stops")
	flags.Bool("upstream-insecure", false, "Skip certificate verification towards origin servers")

	// TLS interception
	flags.Bool("tls-enable", true, "Enable HTTPS interception")
	flags.String("ca-cert", "", "Root CA certificate (PEM)")
	flags.String("ca-key", "", "Root CA private key (PEM)")

	// Control API
	flags.String("control-host", "", "Control API bind address")
	flags.Int("control-port", 0, "Control API port")
	flags.String("token", "", "Bearer token required by the control API")

	// Store
	flags.String("store", "", "Request store driver (memory, sqlite)")
	flags.Int("max-records", 0, "Maximum number of recorded requests to keep")

	// Logging and output
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.StringP("output", "o", "", "Flow output mode (console, json)")
	flags.BoolP("silence", "s", false, "Do not print flows to stdout")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd, configCmd)
}

func bindFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"proxy.host":           "host",
		"proxy.port":           "port",
		"proxy.mode":           "mode",
		"proxy.domain":         "domain",
		"proxy.auto_start":     "auto-start",
		"proxy.max_body_bytes": "max-body-bytes",
		"proxy.shutdown_grace": "shutdown-grace",
		"proxy.upstream.tls_insecure_skip_verify": "upstream-insecure",
		"tls.enable":                    "tls-enable",
		"tls.ca_cert":                   "ca-cert",
		"tls.ca_key":                    "ca-key",
		"control.host":                  "control-host",
		"control.port":                  "control-port",
		"control.auth.token":            "token",
		"store.driver":                  "store",
		"store.max_records":             "max-records",
		"log.level":                     "log-level",
		"log.file_logging.enable":       "log-file-enable",
		"log.file_logging.path":         "log-file-path",
		"log.file_logging.max_size_mb":  "log-file-max-size",
		"log.file_logging.max_backups":  "log-file-max-backups",
		"log.file_logging.max_age_days": "log-file-max-age",
		"log.file_logging.compress":     "log-file-compress",
		"output.mode":                   "output",
		"output.silence":                "silence",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// loadConfig reads the file, environment and flags into a validated Config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	if cfg.Output.Mode != "json" {
		printStartupBanner(os.Stdout, cfg)
	}
	log.Info("MitmTap starting",
		"version", version,
		"proxy_addr", cfg.ProxyAddr(),
		"control_addr", cfg.ControlAddr(),
		"mode", cfg.Proxy.Mode,
		"domain", cfg.Proxy.Domain,
		"store", cfg.Store.Driver,
		"tls", cfg.TLS.Enable,
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	return srv.Start()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("MitmTap version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Control.Auth.Token != "" {
		cfg.Control.Auth.Token = "********"
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
