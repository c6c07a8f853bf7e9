package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"promptrelay/internal/config"
	"promptrelay/internal/domain"
	"promptrelay/internal/logging"
	"promptrelay/internal/sites"
	"promptrelay/internal/store"
	"promptrelay/internal/telemetry"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	logCloser  io.Closer
	configPath string // overridable via --config flag
	logLevel   string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "promptrelay",
		Short: "Relay prompts into AI chat pages",
		Long: `promptrelay writes a prompt into the input box of an AI chat site
(ChatGPT, Claude, Gemini, ...) in a real browser, trying a chain of
injection strategies until one sticks. Relay contexts coordinate over a
local hub, a shared store and optional peer links.`,
		SilenceUsage: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.promptrelay/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.logLevel (debug, info, warn, error)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(injectCmd())
	root.AddCommand(promptCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(sitesCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config (defaults when the file is absent) and
// rebuilds the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	l, closer, err := logging.New(logging.Config{
		Level:      level,
		File:       cfg.General.LogFile,
		MaxSizeMB:  cfg.General.LogMaxSizeMB,
		MaxBackups: cfg.General.LogMaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger, logCloser = l, closer
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	kv, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return kv, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadSites(cfg *config.Config, logger *slog.Logger) *sites.Registry {
	reg := sites.NewRegistry()
	if cfg.Sites.File == "" {
		return reg
	}
	if _, err := os.Stat(cfg.Sites.File); err != nil {
		return reg
	}
	if err := reg.Load(cfg.Sites.File); err != nil {
		logger.Warn("site profiles not loaded, using defaults", "file", cfg.Sites.File, "error", err)
	}
	return reg
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("promptrelay " + version)
		},
	}
}

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Read or replace the saved prompt",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the saved prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			p, _, err := kv.Get(cmd.Context(), domain.KeyPrompt)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [prompt]",
		Short: "Save a prompt; reads stdin when no argument is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			if err := kv.Set(cmd.Context(), domain.KeyPrompt, prompt); err != nil {
				return err
			}
			logger.Info("prompt saved", "length", len([]rune(prompt)))
			return nil
		},
	})
	return cmd
}

// promptArg joins args, or reads r when there are none.
func promptArg(args []string, r io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	p := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return p, nil
}

func statsCmd() *cobra.Command {
	var reset, asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-site strategy statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			st := telemetry.NewStore(kv, logger)

			if reset {
				if err := st.Reset(cmd.Context()); err != nil {
					return err
				}
				logger.Info("stats reset")
				return nil
			}
			stats, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(stats)
				return nil
			}
			writeStats(cmd.OutOrStdout(), stats.Rows())
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear all statistics")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func writeStats(w io.Writer, rows []telemetry.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no injections recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tSTRATEGY\tATTEMPTS\tOK\tFAILED\tSKIPPED\tRATE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d%%\n",
			r.Site, r.Strategy, r.Attempts, r.Successes, r.Failures, r.Skipped, r.SuccessRate)
	}
	tw.Flush()
}

func sitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List known chat sites and their selectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tSELECTORS")
			for _, p := range loadSites(cfg, logger).All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.ID, p.Name, p.URL, len(p.Selectors))
			}
			return w.Flush()
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [site]",
		Short: "Open a visible browser to sign in to a chat site",
		Long:  "Opens Chrome on the site's login page. The session is kept in the browser profile for later runs. Press Ctrl+C when done.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			site := loadSites(cfg, logger).Resolve(args[0])
			if site.URL == "" {
				return fmt.Errorf("unknown site: %s", args[0])
			}
			ctx, stop := signalContext()
			defer stop()
			return newBridge(cfg).Login(ctx, site.URL)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. hub.listen)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. browser.headless true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printJSON(config.Sanitize(cfg))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
