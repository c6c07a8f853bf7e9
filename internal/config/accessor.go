package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// tree is the config as its JSON object, keyed by the json tags.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

// GetByPath returns the value at a dotted json path such as "hub.listen".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
		if cur, ok = obj[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return cur, nil
}

// SetByPath assigns value at a dotted path. String values are coerced to
// bool or number when they parse as one; the result must still decode
// into Config.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return errors.New("empty path")
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	obj := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := obj[key]
		if !ok {
			child := map[string]any{}
			obj[key], obj = child, child
			continue
		}
		if obj, ok = next.(map[string]any); !ok {
			return fmt.Errorf("%s: %q is not a section", path, key)
		}
	}
	obj[keys[len(keys)-1]] = coerce(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy with DevTools and worker endpoint paths hidden;
// a DevTools path grants full control of the browser.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Channels.Window.TrustedOrigins = append([]string(nil), cfg.Channels.Window.TrustedOrigins...)
	out.Injection.Disabled = append([]string(nil), cfg.Injection.Disabled...)
	out.Browser.RemoteURL = maskURL(out.Browser.RemoteURL)
	out.Channels.Worker.URL = maskURL(out.Channels.Worker.URL)
	return &out
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	switch {
	case err != nil || u.Host == "":
		if len(raw) <= 8 {
			return "***"
		}
		return raw[:4] + "****" + raw[len(raw)-4:]
	case u.Path == "" && u.RawQuery == "":
		return raw
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// ListPaths flattens the config into dotted path -> value.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, obj map[string]any)
	walk = func(prefix string, obj map[string]any) {
		for k, v := range obj {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}
