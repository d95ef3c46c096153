package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/meshgate/internal/auth"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateConfig checks struct tags first, then the rules tags cannot express.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return describeValidation(err)
	}

	if err := checkSecrets(cfg); err != nil {
		return err
	}

	if cfg.Health.MaxDelay > 0 && cfg.Health.MaxDelay < cfg.Health.BaseDelay {
		return fmt.Errorf("health.max_delay (%s) must not be below health.base_delay (%s)",
			cfg.Health.MaxDelay, cfg.Health.BaseDelay)
	}

	ws := cfg.Transport.WebSocket
	if ws.Enabled {
		u, err := url.Parse(ws.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("transport.websocket.url must be a ws:// or wss:// URL (got %q)", ws.URL)
		}
		if ws.ReconnectMax > 0 && ws.ReconnectMax < ws.ReconnectMin {
			return fmt.Errorf("transport.websocket.reconnect_max must not be below reconnect_min")
		}
	}

	if cfg.API.Enabled && cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: at least one of api_key or tokens is required when the API is enabled")
	}
	for i, tok := range cfg.API.Auth.Tokens {
		for _, scope := range tok.Scopes {
			if !auth.ValidScope(scope) {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}

	if cfg.Webhook != nil {
		paths := make(map[string]bool, len(cfg.Webhook.Endpoints))
		for i, ep := range cfg.Webhook.Endpoints {
			if paths[ep.Path] {
				return fmt.Errorf("webhook.endpoints[%d]: duplicate path %q", i, ep.Path)
			}
			paths[ep.Path] = true
			if _, err := ParseByteSize(ep.MaxBodySize); err != nil {
				return fmt.Errorf("webhook.endpoints[%d]: invalid max_body_size %q: %w", i, ep.MaxBodySize, err)
			}
		}
	}

	rules := make(map[string]bool, len(cfg.AutoResponse.Rules))
	for i, rule := range cfg.AutoResponse.Rules {
		if rules[rule.Name] {
			return fmt.Errorf("autoresponse.rules[%d]: duplicate rule name %q", i, rule.Name)
		}
		rules[rule.Name] = true
	}

	return nil
}

// checkSecrets rejects credentials that still carry a ${VAR} placeholder.
func checkSecrets(cfg *Config) error {
	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
	}
	if err := unresolved("transport.websocket.token", cfg.Transport.WebSocket.Token); err != nil {
		return err
	}
	if cfg.Webhook != nil {
		for i, ep := range cfg.Webhook.Endpoints {
			if err := unresolved(fmt.Sprintf("webhook.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}
	for name, plugin := range cfg.Plugins {
		if !plugin.IsEnabled() || plugin.Config == nil {
			continue
		}
		if err := checkUnresolvedEnvVars(plugin.Config, name); err != nil {
			return err
		}
	}
	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in plugin config values.
func checkUnresolvedEnvVars(data map[string]any, pluginName string) error {
	for key, value := range data {
		if err := checkUnresolvedValue(value, pluginName, key); err != nil {
			return err
		}
	}
	return nil
}

func checkUnresolvedValue(value any, pluginName, key string) error {
	switch v := value.(type) {
	case string:
		if matches := envVarPattern.FindStringSubmatch(v); len(matches) > 1 {
			return fmt.Errorf("plugin %q: environment variable ${%s} is not set (config.%s)", pluginName, matches[1], key)
		}
	case map[string]any:
		return checkUnresolvedEnvVars(v, pluginName)
	case []any:
		for _, item := range v {
			if err := checkUnresolvedValue(item, pluginName, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ParseByteSize parses sizes like "1MB", "512KB" or "2048". Empty means
// zero, which callers treat as their default.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return 0, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1 << 10
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1 << 20
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1 << 30
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size too large")
	}
	return value * multiplier, nil
}
