package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"promptrelay/internal/channel"
	"promptrelay/internal/config"
	"promptrelay/internal/domain"
	"promptrelay/internal/health"
)

func injectCmd() *cobra.Command {
	var local, closeAfter bool
	cmd := &cobra.Command{
		Use:   "inject <site> [prompt...]",
		Short: "Write a prompt into a chat site",
		Long: `Injects the prompt into the site's input box. With a running
'promptrelay serve' the request goes through the shared store and the
serving relay performs it; otherwise (or with --local) Chrome is driven
from this process. Without a prompt argument the saved prompt is used;
"-" reads the prompt from stdin.`,
		Args: cobra.MinimumNArgs(1),
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

			ctx, stop := signalContext()
			defer stop()

			prompt, err := injectPrompt(ctx, args[1:], cmd.InOrStdin(), kv)
			if err != nil {
				return err
			}
			site := loadSites(cfg, logger).Resolve(args[0])
			if site.URL == "" {
				return fmt.Errorf("unknown site: %s", args[0])
			}

			if !local && relayRunning(cfg) {
				return injectRemote(ctx, cfg, kv, site, prompt, cmd.OutOrStdout())
			}
			return injectLocal(ctx, cfg, kv, site, prompt, closeAfter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "drive Chrome from this process even if a relay is serving")
	cmd.Flags().BoolVar(&closeAfter, "close", false, "close a browser launched for --local once injected")
	return cmd
}

// injectPrompt picks the prompt from args, stdin ("-") or the store.
func injectPrompt(ctx context.Context, args []string, stdin io.Reader, kv domain.KVStore) (string, error) {
	switch {
	case len(args) == 1 && args[0] == "-":
		return promptArg(nil, stdin)
	case len(args) > 0:
		return promptArg(args, stdin)
	}
	p, ok, err := kv.Get(ctx, domain.KeyPrompt)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(p) == "" {
		return "", errors.New("no prompt given and none saved (see 'promptrelay prompt set')")
	}
	return p, nil
}

// relayRunning reports whether a relay's hub is accepting connections.
func relayRunning(cfg *config.Config) bool {
	if !cfg.Hub.Enabled || !cfg.Channels.Storage.Enabled {
		return false
	}
	conn, err := net.DialTimeout("tcp", cfg.Hub.Listen, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func injectRemote(ctx context.Context, cfg *config.Config, kv domain.KVStore, site domain.TargetSite, prompt string, out io.Writer) error {
	after, err := channel.LastResponseID(ctx, kv)
	if err != nil {
		return err
	}
	if err := channel.WriteInject(ctx, kv, prompt, site); err != nil {
		return err
	}
	logger.Info("inject queued for running relay", "site", site.Hostname)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Injection.ResultTimeout())
	defer cancel()
	msg, err := channel.WaitResponse(waitCtx, kv, after, cfg.Channels.Storage.PollInterval(), isResultFor(site))
	if err != nil {
		return fmt.Errorf("no result from relay: %w", err)
	}
	return reportResult(out, msg)
}

// isResultFor matches injection results for site.
func isResultFor(site domain.TargetSite) func(domain.Message) bool {
	return func(m domain.Message) bool {
		switch m.Type {
		case domain.MsgInjectionResult, domain.MsgInjectionSuccess, domain.MsgInjectionFailed:
			return m.String("site") == site.Hostname
		}
		return false
	}
}

func reportResult(out io.Writer, msg domain.Message) error {
	if msg.Type == domain.MsgInjectionSuccess || msg.Bool("success") {
		fmt.Fprintf(out, "injected into %s via %s\n", msg.String("site"), msg.String("method"))
		return nil
	}
	fmt.Fprintf(out, "injection into %s failed: %s\n", msg.String("site"), msg.String("error"))
	return domain.ErrAllStrategiesExhausted
}

func injectLocal(ctx context.Context, cfg *config.Config, kv domain.KVStore, site domain.TargetSite, prompt string, closeAfter bool, out io.Writer) error {
	opener := &lazyBrowser{bridge: newBridge(cfg), ctx: ctx}
	defer opener.bridge.Close()

	r := newRelay(cfg, kv, opener, logger)
	outcome, err := r.guardian.Launch(ctx, site, prompt)
	writeOutcome(out, outcome)
	if err != nil {
		return err
	}
	if closeAfter || cfg.Browser.RemoteURL != "" || cfg.Browser.Headless {
		return nil
	}
	logger.Info("prompt injected; press Ctrl+C to close the browser")
	<-ctx.Done()
	return nil
}

func writeOutcome(out io.Writer, o domain.Outcome) {
	if o.Succeeded() {
		fmt.Fprintf(out, "injected into %s via %s in %s\n", o.Site, o.Winner, o.Duration().Round(time.Millisecond))
	} else {
		fmt.Fprintf(out, "injection into %s failed\n", o.Site)
	}
	for _, r := range o.Tried {
		status := "ok"
		switch {
		case r.Kind == domain.KindNotApplicable:
			status = "skipped"
		case !r.Success:
			status = "failed"
		}
		line := fmt.Sprintf("  %-13s %s", r.ID, status)
		if r.Error != "" && r.Kind != domain.KindNotApplicable {
			line += ": " + r.Error
		}
		fmt.Fprintln(out, line)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [site...]",
		Short: "Probe chat sites for reachability and latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := loadSites(cfg, logger)
			var origins []string
			if len(args) == 0 {
				for _, p := range reg.All() {
					origins = append(origins, p.Site().Origin())
				}
			} else {
				for _, a := range args {
					origins = append(origins, reg.Resolve(a).Origin())
				}
			}

			checker := health.NewChecker(health.CheckerConfig{
				Timeout: time.Duration(cfg.Health.TimeoutSec) * time.Second,
				Logger:  logger,
			})
			results, err := checker.CheckAll(cmd.Context(), origins)
			if err != nil {
				return err
			}
			return writeHealth(cmd.OutOrStdout(), results)
		},
	}
}

func writeHealth(out io.Writer, results map[string]health.Result) error {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORIGIN\tSTATUS\tLOAD\tERROR")
	for _, k := range keys {
		r := results[k]
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", r.Origin, r.Status, r.LoadTime, r.Error)
	}
	return w.Flush()
}
