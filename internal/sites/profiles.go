// Package sites holds the known AI chat sites and their input selectors.
package sites

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"promptrelay/internal/domain"
	"promptrelay/internal/inject"
)

// MessageSelectors locate rendered chat turns for content extraction.
var MessageSelectors = []string{
	".message",
	".chat-message",
	".conversation-turn",
	"[data-message]",
	`[role="article"]`,
	".prose",
}

// Profile describes one chat site.
type Profile struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	URL       string   `yaml:"url" json:"url"`
	Hosts     []string `yaml:"hosts" json:"hosts"`
	Selectors []string `yaml:"selectors" json:"selectors"`
	Messages  []string `yaml:"messages,omitempty" json:"messages,omitempty"`
}

// Site returns the profile as an injection target.
func (p Profile) Site() domain.TargetSite {
	s := domain.SiteFromURL(p.URL)
	s.Name = p.Name
	return s
}

// Matches reports whether host belongs to the profile. A profile host
// matches itself, its subdomains, and a bare first label ("claude"
// matches "claude.ai").
func (p Profile) Matches(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, h := range p.Hosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
		if label, _, _ := strings.Cut(h, "."); label == host {
			return true
		}
	}
	return false
}

// Defaults returns the built-in profiles.
func Defaults() []Profile {
	return []Profile{
		{
			ID: "chatgpt", Name: "ChatGPT", URL: "https://chatgpt.com",
			Hosts: []string{"chatgpt.com", "chat.openai.com"},
			Selectors: []string{
				"#prompt-textarea",
				`textarea[placeholder*="Message"]`,
				`textarea[placeholder*="Send a message"]`,
				`div[contenteditable="true"]#prompt-textarea`,
			},
			Messages: []string{`[data-message-author-role]`, ".markdown.prose"},
		},
		{
			ID: "claude", Name: "Claude", URL: "https://claude.ai",
			Hosts:     []string{"claude.ai"},
			Selectors: []string{`div[contenteditable="true"].ProseMirror`, `div[contenteditable="true"]`},
			Messages:  []string{".font-claude-message", ".font-user-message"},
		},
		{
			ID: "gemini", Name: "Gemini", URL: "https://gemini.google.com",
			Hosts:     []string{"gemini.google.com"},
			Selectors: []string{".ql-editor", `rich-textarea [contenteditable="true"]`, `textarea[placeholder*="Enter a prompt"]`},
			Messages:  []string{".response-content", ".query-text"},
		},
		{
			ID: "you", Name: "You.com", URL: "https://you.com/search?q=&fromSearchBar=true&tbm=youchat",
			Hosts:     []string{"you.com"},
			Selectors: []string{`textarea[placeholder*="Ask"]`, `textarea[placeholder*="Type"]`},
		},
		{
			ID: "perplexity", Name: "Perplexity", URL: "https://www.perplexity.ai",
			Hosts:     []string{"perplexity.ai"},
			Selectors: []string{`textarea[placeholder*="Ask"]`, `div[contenteditable="true"]#ask-input`},
			Messages:  []string{".prose"},
		},
		{
			ID: "copilot", Name: "Copilot", URL: "https://copilot.microsoft.com",
			Hosts:     []string{"copilot.microsoft.com"},
			Selectors: []string{"#userInput", `textarea[placeholder*="Ask me anything"]`, `textarea[placeholder*="Message Copilot"]`},
		},
		{
			ID: "meta", Name: "Meta AI", URL: "https://www.meta.ai",
			Hosts:     []string{"meta.ai"},
			Selectors: []string{`div[contenteditable="true"][role="textbox"]`, `textarea[placeholder*="Ask Meta AI"]`},
		},
		{
			ID: "phind", Name: "Phind", URL: "https://www.phind.com",
			Hosts:     []string{"phind.com"},
			Selectors: []string{`textarea[name="q"]`, `textarea[placeholder*="Ask"]`},
		},
		{
			ID: "huggingchat", Name: "HuggingChat", URL: "https://huggingface.co/chat",
			Hosts:     []string{"huggingface.co"},
			Selectors: []string{`textarea[placeholder*="Ask anything"]`, "form textarea"},
		},
	}
}

// File is the YAML layout of a profile override file.
type File struct {
	Sites []Profile `yaml:"sites"`
}

// LoadFile reads profiles from a YAML file.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site profiles: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse site profiles %s: %w", path, err)
	}
	for i, p := range f.Sites {
		if p.ID == "" {
			return nil, fmt.Errorf("site profile %d: missing id", i)
		}
		if p.URL == "" && len(p.Hosts) == 0 {
			return nil, fmt.Errorf("site profile %q: needs url or hosts", p.ID)
		}
		if len(p.Hosts) == 0 {
			f.Sites[i].Hosts = []string{domain.SiteFromURL(p.URL).Hostname}
		}
	}
	return f.Sites, nil
}

// Merge overlays overrides onto base by ID; new IDs are appended.
// Overridden fields replace the base field only when set.
func Merge(base, overrides []Profile) []Profile {
	out := slices.Clone(base)
	for _, o := range overrides {
		i := slices.IndexFunc(out, func(p Profile) bool { return p.ID == o.ID })
		if i < 0 {
			out = append(out, o)
			continue
		}
		p := &out[i]
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.URL != "" {
			p.URL = o.URL
		}
		if len(o.Hosts) > 0 {
			p.Hosts = o.Hosts
		}
		if len(o.Selectors) > 0 {
			p.Selectors = o.Selectors
		}
		if len(o.Messages) > 0 {
			p.Messages = o.Messages
		}
	}
	return out
}

// Registry is the live, reloadable set of profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles []Profile
}

// NewRegistry creates a registry holding the built-in profiles.
func NewRegistry() *Registry {
	return &Registry{profiles: Defaults()}
}

// Load replaces the registry with the defaults overlaid by path.
func (r *Registry) Load(path string) error {
	overrides, err := LoadFile(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles = Merge(Defaults(), overrides)
	r.mu.Unlock()
	return nil
}

// All returns a copy of every profile.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.profiles)
}

// Lookup finds the profile for a hostname.
func (r *Registry) Lookup(host string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if p.Matches(host) {
			return p, true
		}
	}
	return Profile{}, false
}

// Resolve turns a user-supplied name, ID, hostname or URL into a target.
// Unknown inputs are taken as a URL.
func (r *Registry) Resolve(name string) domain.TargetSite {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	for _, p := range r.profiles {
		if p.ID == key || strings.ToLower(p.Name) == key {
			r.mu.RUnlock()
			return p.Site()
		}
	}
	r.mu.RUnlock()

	site := domain.SiteFromURL(name)
	if p, ok := r.Lookup(site.Hostname); ok && !strings.Contains(name, "/") {
		return p.Site()
	}
	return site
}

// Selectors lists the site-specific selectors for host followed by the
// generic fallbacks.
func (r *Registry) Selectors(host string) []string {
	var out []string
	if p, ok := r.Lookup(host); ok {
		out = append(out, p.Selectors...)
	}
	for _, s := range inject.GenericSelectors {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// MessageSelectors lists selectors for chat turns on host.
func (r *Registry) MessageSelectors(host string) []string {
	var out []string
	if p, ok := r.Lookup(host); ok {
		out = append(out, p.Messages...)
	}
	for _, s := range MessageSelectors {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
