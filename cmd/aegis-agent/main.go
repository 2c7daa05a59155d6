package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aegis-siem/aegis/internal/agent"
	"github.com/aegis-siem/aegis/internal/agent/forwarder"
	"github.com/aegis-siem/aegis/internal/agent/identity"
	"github.com/aegis-siem/aegis/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagDataDir   string
	flagServerURL string
	flagLogLevel  string
	flagLogFormat string
	flagInsecure  bool
	flagOnce      bool

	flagToken    string
	flagName     string
	flagHostname string
)

var rootCmd = &cobra.Command{
	Use:     "aegis-agent",
	Short:   "Aegis host agent - collects logs, metrics, processes and shell commands",
	Long:    `The Aegis agent watches one host: it tails journald and shell history, samples resource usage and processes, runs local detection rules, and ships everything to the Aegis server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Enroll this host with the Aegis server using an invitation token",
	Run: func(cmd *cobra.Command, args []string) {
		runRegister()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Aegis agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", envOr("AEGIS_AGENT_DATA_DIR", "/var/lib/aegis-agent"), "directory for the spool and identity files")
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", os.Getenv("AEGIS_SERVER_URL"), "Aegis server URL (overrides the registered one)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOr("AEGIS_AGENT_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "log format (auto|console|json)")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "skip TLS certificate verification")

	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "collect one sample, flush the spool, and exit")

	registerCmd.Flags().StringVar(&flagToken, "token", os.Getenv("AEGIS_INVITE_TOKEN"), "single-use invitation token")
	registerCmd.Flags().StringVar(&flagName, "name", "", "display name for this device (defaults to hostname)")
	registerCmd.Flags().StringVar(&flagHostname, "hostname", "", "hostname override")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	logging.Init(logging.Config{
		Format:    flagLogFormat,
		Level:     flagLogLevel,
		Component: "aegis-agent",
	})

	cfg := agent.DefaultConfig(flagDataDir)
	cfg.ServerURL = flagServerURL
	cfg.InsecureSkipVerify = flagInsecure
	cfg.RunOnce = flagOnce
	cfg.Version = Version

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Agent failed")
	}
	log.Info().Msg("Agent stopped")
}

func runRegister() {
	logging.Init(logging.Config{
		Format:    flagLogFormat,
		Level:     flagLogLevel,
		Component: "aegis-agent",
	})

	serverURL := strings.TrimSpace(flagServerURL)
	if serverURL == "" {
		log.Fatal().Msg("--server is required for registration")
	}
	token := strings.TrimSpace(flagToken)
	if token == "" {
		log.Fatal().Msg("--token is required (create one with 'aegis invite' or the API)")
	}

	hostname := flagHostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	name := flagName
	if name == "" {
		name = hostname
	}

	ids := identity.NewStore(flagDataDir)
	agentID, err := ids.LoadOrCreateAgentID()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise agent identity")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fwdCfg := forwarder.DefaultConfig(serverURL, agentID)
	fwdCfg.InsecureSkipVerify = flagInsecure
	fwdCfg.UserAgent = "aegis-agent/" + Version

	if err := forwarder.Register(ctx, fwdCfg, token, hostname, name); err != nil {
		log.Fatal().Err(err).Msg("Registration failed")
	}

	creds := identity.Credentials{
		ServerURL:    serverURL,
		Hostname:     hostname,
		Name:         name,
		RegisteredAt: time.Now().UTC(),
	}
	if err := ids.SaveCredentials(agentID, creds); err != nil {
		log.Fatal().Err(err).Msg("Registered, but failed to store credentials locally")
	}

	log.Info().
		Str("agent_id", agentID).
		Str("server", serverURL).
		Str("hostname", hostname).
		Msg("Device registered")
	fmt.Printf("Registered device %q as agent %s\n", name, agentID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
