package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// Redacted returns a copy of c with every credential masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redacted
	}
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Token: redacted, Scopes: tok.Scopes}
	}
	if out.Transport.WebSocket.Token != "" {
		out.Transport.WebSocket.Token = redacted
	}
	if c.Webhook != nil {
		wh := *c.Webhook
		wh.Endpoints = make([]WebhookEndpoint, len(c.Webhook.Endpoints))
		for i, ep := range c.Webhook.Endpoints {
			ep.Secret = redacted
			wh.Endpoints[i] = ep
		}
		out.Webhook = &wh
	}
	return &out
}

// GetPath retrieves a value from the redacted configuration using a
// dot-notation path ("dispatch.max_concurrent") or an entity address
// ("plugin:ping", "rule:*").
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a plugin or auto-response rule by type:name. The name
// "*" selects all of them.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]

	switch entityType {
	case "plugin":
		if name == "*" {
			return c.Plugins, nil
		}
		p, ok := c.Plugins[name]
		if !ok {
			return nil, fmt.Errorf("plugin %q not configured", name)
		}
		return p, nil

	case "rule":
		if name == "*" {
			return c.AutoResponse.Rules, nil
		}
		for _, rule := range c.AutoResponse.Rules {
			if rule.Name == name {
				return rule, nil
			}
		}
		return nil, fmt.Errorf("rule %q not found", name)

	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
