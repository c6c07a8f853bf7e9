package guardian

import (
	"context"
	"strings"
	"time"

	"promptrelay/internal/domain"
)

// Attach registers the guardian's message handlers on its bus. Launches
// and page reads started by handlers run on ctx.
func (g *Guardian) Attach(ctx context.Context) {
	g.mu.Lock()
	g.base = ctx
	g.mu.Unlock()

	g.bus.Handle(domain.MsgInjectPrompt, g.onInjectPrompt)
	g.bus.Handle(domain.MsgHealthCheck, g.onHealthCheck)
	g.bus.Handle(domain.MsgGetState, g.onState(domain.MsgStateResponse))
	g.bus.Handle(domain.MsgSyncRequest, g.onState(domain.MsgSyncResponse))
	g.bus.Handle(domain.MsgInjectionResult, g.onInjectionResult)
	g.bus.Handle(domain.MsgInjectionSuccess, g.onInjectionResult)
	g.bus.Handle(domain.MsgInjectionFailed, g.onInjectionResult)
	g.bus.Handle(domain.MsgBroadcast, g.onBroadcast)
	g.bus.Handle(domain.MsgGetStats, g.onGetStats)
	g.bus.Handle(domain.MsgExtractContent, g.onExtractContent)
}

// reply answers msg on the channel it arrived on, or on every channel
// when it was not received from one.
func (g *Guardian) reply(msg domain.Message, out domain.Message) {
	if msg.Channel == "" || !g.bus.Reply(msg.Channel, out) {
		g.bus.Broadcast(out)
	}
}

func (g *Guardian) target(msg domain.Message) string {
	for _, k := range []string{"targetSite", "agent", "site"} {
		if v := strings.TrimSpace(msg.String(k)); v != "" {
			return v
		}
	}
	return ""
}

func (g *Guardian) onInjectPrompt(msg domain.Message) {
	name := g.target(msg)
	if name == "" {
		g.logger.Warn("inject request without target site", "channel", msg.Channel)
		return
	}
	site := g.Resolve(name)
	prompt := msg.String("prompt")

	g.async(domain.MsgInjectPrompt, func(ctx context.Context) {
		if prompt == "" {
			p, err := g.Prompt(ctx)
			if err != nil || p == "" {
				g.logger.Warn("inject request without prompt and none saved", "site", site.Hostname, "error", err)
				return
			}
			prompt = p
		}
		// The failure is already broadcast as INJECTION_RESULT.
		_, _ = g.Launch(ctx, site, prompt)
	})
}

func (g *Guardian) onHealthCheck(msg domain.Message) {
	payload := map[string]any{
		"status":     "healthy",
		"uptime":     time.Since(g.started).Milliseconds(),
		"channels":   g.bus.Status(),
		"strategies": g.engine.StrategyIDs(),
	}
	origin := msg.String("origin")
	if origin == "" {
		if name := g.target(msg); name != "" {
			origin = g.Resolve(name).Origin()
		}
	}
	if origin == "" || g.health == nil {
		g.reply(msg, domain.NewMessage(domain.MsgHealthResponse, payload))
		return
	}
	g.async(domain.MsgHealthCheck, func(ctx context.Context) {
		payload["site"] = g.health.Check(ctx, origin)
		g.reply(msg, domain.NewMessage(domain.MsgHealthResponse, payload))
	})
}

func (g *Guardian) onState(replyType string) domain.HandlerFunc {
	return func(msg domain.Message) {
		g.async(msg.Type, func(ctx context.Context) {
			g.reply(msg, domain.NewMessage(replyType, map[string]any{"state": g.state(ctx)}))
		})
	}
}

func (g *Guardian) state(ctx context.Context) map[string]any {
	prompt, err := g.Prompt(ctx)
	if err != nil {
		g.logger.Debug("state without prompt", "error", err)
	}
	g.mu.Lock()
	last := g.lastRemote
	g.mu.Unlock()
	state := map[string]any{
		"prompt":     prompt,
		"channels":   g.bus.Status(),
		"strategies": g.engine.StrategyIDs(),
		"uptime":     time.Since(g.started).Milliseconds(),
	}
	if last != nil {
		state["lastResult"] = last
	}
	if out, ok := g.engine.LastOutcome(); ok {
		local := map[string]any{
			"site":       out.Site,
			"success":    out.Succeeded(),
			"method":     out.Winner,
			"durationMs": out.Duration().Milliseconds(),
		}
		if !out.Succeeded() {
			local["failedMethods"] = out.FailedIDs()
		}
		state["lastInjection"] = local
	}
	return state
}

func (g *Guardian) onInjectionResult(msg domain.Message) {
	result := make(map[string]any, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		result[k] = v
	}
	result["type"] = msg.Type
	ok := msg.Bool("success") || msg.Type == domain.MsgInjectionSuccess
	key := resultKey{site: msg.String("site"), ok: ok, at: msg.Timestamp}
	g.mu.Lock()
	g.lastRemote = result
	echo := key.echoes(g.lastLogged)
	if echo {
		g.lastLogged = resultKey{}
	} else {
		g.lastLogged = key
	}
	g.mu.Unlock()
	if echo {
		return
	}

	if ok {
		g.logger.Info("remote injection succeeded", "site", msg.String("site"), "method", msg.String("method"), "channel", msg.Channel)
		return
	}
	g.logger.Info("remote injection failed", "site", msg.String("site"), "error", msg.String("error"), "channel", msg.Channel)
}

// resultEchoWindow bounds how far apart the engine's INJECTION_SUCCESS or
// INJECTION_FAILED and the launcher's INJECTION_RESULT for the same
// injection can be.
const resultEchoWindow = time.Second

// resultKey identifies one remote injection outcome for logging.
type resultKey struct {
	site string
	ok   bool
	at   int64
}

// echoes reports whether k is the second message of the pair whose first
// message was logged as prev.
func (k resultKey) echoes(prev resultKey) bool {
	if prev.at == 0 || k.site != prev.site || k.ok != prev.ok {
		return false
	}
	d := k.at - prev.at
	return d >= -resultEchoWindow.Milliseconds() && d <= resultEchoWindow.Milliseconds()
}

// onBroadcast re-sends the nested payload verbatim on every channel but
// the one it arrived on.
func (g *Guardian) onBroadcast(msg domain.Message) {
	payload := msg.Map("payload")
	inner, err := domain.MessageFromMap(payload, "")
	if err != nil {
		g.logger.Warn("dropping broadcast", "channel", msg.Channel, "error", err)
		return
	}
	if inner.Timestamp == 0 {
		inner.Timestamp = msg.Timestamp
	}
	if inner.Source == "" {
		inner.Source = domain.MessageSource
	}
	for _, st := range g.bus.Status() {
		if st.Name == msg.Channel || st.State != domain.ChannelActive {
			continue
		}
		g.bus.Reply(st.Name, inner)
	}
}

func (g *Guardian) onGetStats(msg domain.Message) {
	if g.stats == nil {
		g.reply(msg, domain.NewMessage(domain.MsgStatsReport, map[string]any{"stats": map[string]any{}}))
		return
	}
	g.async(domain.MsgGetStats, func(ctx context.Context) {
		stats, err := g.stats.Load(ctx)
		if err != nil {
			g.logger.Warn("load stats failed", "error", err)
		}
		g.reply(msg, domain.NewMessage(domain.MsgStatsReport, map[string]any{
			"stats": stats,
			"rows":  stats.Rows(),
		}))
	})
}

func (g *Guardian) onExtractContent(msg domain.Message) {
	name := g.target(msg)
	if name == "" {
		g.logger.Warn("extract request without target site", "channel", msg.Channel)
		return
	}
	site := g.Resolve(name)
	g.async(domain.MsgExtractContent, func(ctx context.Context) {
		content, err := g.Extract(ctx, site)
		if err != nil {
			g.logger.Warn("extract content failed", "site", site.Hostname, "error", err)
			content = map[string]any{"url": site.URL, "error": err.Error()}
		}
		g.reply(msg, domain.NewMessage(domain.MsgContentExtracted, map[string]any{"data": content}))
	})
}

// Extract scrapes the chat turns rendered on site.
func (g *Guardian) Extract(ctx context.Context, site domain.TargetSite) (map[string]any, error) {
	doc, release, err := g.opener.Open(ctx, site)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}
	url, err := doc.URL(ctx)
	if err != nil {
		url = site.URL
	}
	responses := []string{}
	for _, sel := range g.sites.MessageSelectors(site.Hostname) {
		texts, err := doc.Texts(ctx, sel)
		if err != nil {
			g.logger.Debug("extract selector failed", "selector", sel, "error", err)
			continue
		}
		for _, t := range texts {
			if t != "" {
				responses = append(responses, t)
			}
		}
	}
	return map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"url":       url,
		"prompts":   []string{},
		"responses": responses,
	}, nil
}
