package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"promptrelay/internal/config"
	"promptrelay/internal/health"
	"promptrelay/internal/sites"
	"promptrelay/internal/store"
)

var chromeNames = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}

var chromePaths = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var network bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay setup",
		Long: `Verifies the configuration, store, hub address, browser and site
profiles. With --network every known site is probed as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("promptrelay doctor v%s\n\n", version)
			rep := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				rep.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				rep.pass("Config file", cfgPath)
			}
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				rep.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", rep.passed, rep.failed)
				return fmt.Errorf("config invalid")
			}
			rep.pass("Config validation", "valid")

			if n, err := checkStore(cmd.Context(), cfg.General.DBPath); err != nil {
				rep.fail("Store", err.Error())
			} else {
				rep.pass("Store", fmt.Sprintf("%s (%d relay keys)", cfg.General.DBPath, n))
			}

			if cfg.Hub.Enabled {
				if relayRunning(cfg) {
					rep.pass("Hub", "relay already serving on "+cfg.Hub.Listen)
				} else if err := checkListen(cfg.Hub.Listen); err != nil {
					rep.fail("Hub", fmt.Sprintf("cannot listen on %s: %v", cfg.Hub.Listen, err))
				} else {
					rep.pass("Hub", cfg.Hub.Listen+" available")
				}
			}

			if cfg.Browser.RemoteURL != "" {
				if err := checkRemote(cfg.Browser.RemoteURL); err != nil {
					rep.fail("Browser", fmt.Sprintf("remote endpoint unreachable: %v", err))
				} else {
					rep.pass("Browser", "remote "+config.Sanitize(cfg).Browser.RemoteURL)
				}
			} else if path, ok := findChrome(); ok {
				rep.pass("Browser", path)
			} else {
				rep.fail("Browser", "no Chrome or Chromium found in PATH")
			}

			if cfg.Sites.File != "" {
				if _, err := os.Stat(cfg.Sites.File); err != nil {
					rep.pass("Site profiles", fmt.Sprintf("%d built in (no %s)", len(sites.Defaults()), cfg.Sites.File))
				} else if p, err := sites.LoadFile(cfg.Sites.File); err != nil {
					rep.fail("Site profiles", err.Error())
				} else {
					rep.pass("Site profiles", fmt.Sprintf("%d from %s", len(p), cfg.Sites.File))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					rep.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					rep.pass("Log file", cfg.General.LogFile)
				}
			}

			if network {
				checkSites(cmd.Context(), cfg, rep)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", rep.passed, rep.warned, rep.failed)
			if rep.failed > 0 {
				return fmt.Errorf("%d check(s) failed", rep.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&network, "network", false, "also probe every known chat site")
	return cmd
}

// checkStore opens the store, round-trips a key and counts the
// relay's own keys.
func checkStore(ctx context.Context, dbPath string) (int, error) {
	kv, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer kv.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := kv.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	const key = "promptrelay-doctor"
	if err := kv.Set(ctx, key, "ok"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	if err := kv.Delete(ctx, key); err != nil {
		return 0, err
	}
	keys, err := kv.Keys(ctx, "guardian-")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkRemote(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", u.Host, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func findChrome() (string, bool) {
	for _, name := range chromeNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	for _, p := range chromePaths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func checkSites(ctx context.Context, cfg *config.Config, rep *doctorReport) {
	checker := health.NewChecker(health.CheckerConfig{
		Timeout: time.Duration(cfg.Health.TimeoutSec) * time.Second,
		Logger:  logger,
	})
	var origins []string
	for _, p := range loadSites(cfg, logger).All() {
		origins = append(origins, p.Site().Origin())
	}
	results, err := checker.CheckAll(ctx, origins)
	if err != nil {
		rep.warn("Sites", err.Error())
		return
	}
	for _, o := range origins {
		r := results[o]
		label := "Site " + r.Origin
		switch r.Status {
		case health.StatusHealthy:
			rep.pass(label, fmt.Sprintf("%dms", r.LoadTime))
		case health.StatusDown:
			rep.warn(label, "down: "+r.Error)
		default:
			rep.warn(label, fmt.Sprintf("%s (%dms)", r.Status, r.LoadTime))
		}
	}
}
