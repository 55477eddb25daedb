package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toTree converts cfg into its generic JSON form so dotted paths can walk it
// using the same names as the config file.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "server.port").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var node any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", node, key)
		}
	}
	return node, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// coerced to bool or number when they parse as one. The result is
// re-validated.
func SetByPath(cfg *Config, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	parent := tree
	for _, key := range keys[:len(keys)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			created := make(map[string]any)
			parent[key] = created
			parent = created
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot descend into %T at %q", child, key)
		}
		parent = m
	}
	leaf := keys[len(keys)-1]

	var updated Config
	for i, candidate := range []any{coerce(value), value} {
		parent[leaf] = candidate
		data, err := json.Marshal(tree)
		if err != nil {
			return err
		}
		updated = Config{}
		if err = json.Unmarshal(data, &updated); err == nil {
			break
		} else if i == 1 {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	if err := Validate(&updated); err != nil {
		return err
	}
	*cfg = updated
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	secrets := []*string{
		&copy.Completion.APIKey,
		&copy.Server.AdminToken,
		&copy.Channels.Telegram.Token,
		&copy.Channels.Telegram.SecretToken,
		&copy.Channels.WhatsApp.AccessToken,
		&copy.Channels.WhatsApp.VerifyToken,
		&copy.Channels.WhatsApp.AppSecret,
		&copy.Channels.Marketplace.Token,
		&copy.Channels.Marketplace.APIKey,
	}
	for _, s := range secrets {
		if *s != "" {
			*s = maskString(*s)
		}
	}

	return &copy
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its value, sorted by path.
func ListPaths(cfg *Config) []PathValue {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	var out []PathValue
	flatten("", tree, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

type PathValue struct {
	Path  string
	Value any
}

func flatten(prefix string, m map[string]any, out *[]PathValue) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flatten(path, child, out)
			continue
		}
		*out = append(*out, PathValue{Path: path, Value: v})
	}
}
