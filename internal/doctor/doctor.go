// Package doctor cross-checks a loaded meshgate configuration against the
// plugins it would load. config.Load already rejects malformed files; the
// doctor finds what only makes sense with descriptors in hand.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/mattjoyce/meshgate/internal/auth"
	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

const minSecretLen = 16

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg    *config.Config
	descs  map[string]*plugin.Descriptor
	order  []*plugin.Descriptor
	failed map[string]error
}

// New creates a Doctor. failed maps manifest paths that did not load to
// their error.
func New(cfg *config.Config, descs []*plugin.Descriptor, failed map[string]error) *Doctor {
	byName := make(map[string]*plugin.Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}
	return &Doctor{cfg: cfg, descs: byName, order: descs, failed: failed}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateRoots(r)
	d.validateDiscovery(r)
	d.validatePluginRefs(r)
	d.validateDependencies(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.validateTasks(r)
	d.warnAPIAuth(r)
	d.warnInbound(r)
	d.warnCommandOverlap(r)
	d.warnRuleOverlap(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRoots warns about plugin roots the gateway will skip.
func (d *Doctor) validateRoots(r *Result) {
	for i, root := range d.cfg.PluginRoots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			d.addWarning(r, "plugin_roots", fmt.Sprintf("plugin_roots[%d]", i),
				fmt.Sprintf("%s is not a directory; only builtin plugins will load from it", root))
		}
	}
}

func (d *Doctor) validateDiscovery(r *Result) {
	paths := lo.Keys(d.failed)
	sort.Strings(paths)
	for _, p := range paths {
		d.addError(r, "discovery", p, d.failed[p].Error())
	}
}

// validatePluginRefs checks that configured plugins exist and that their
// quota overrides are sane.
func (d *Doctor) validatePluginRefs(r *Result) {
	names := lo.Keys(d.cfg.Plugins)
	sort.Strings(names)
	for _, name := range names {
		pc := d.cfg.Plugins[name]
		field := "plugins." + name
		if _, ok := d.descs[name]; !ok {
			if pc.IsEnabled() {
				d.addError(r, "plugin_refs", field,
					fmt.Sprintf("plugin %q is configured but was not discovered", name))
			} else {
				d.addWarning(r, "plugin_refs", field,
					fmt.Sprintf("plugin %q is configured (disabled) but was not discovered", name))
			}
			continue
		}
		if pc.Quota.StorageBytes < 0 {
			d.addError(r, "plugin_refs", field+".quota.storage_bytes", "storage_bytes must not be negative")
		}
	}
}

// validateDependencies reports unresolvable dependencies, each cycle once.
func (d *Doctor) validateDependencies(r *Result) {
	res := plugin.Resolve(d.order)
	for _, cyc := range res.Cycles {
		d.addError(r, "dependencies", "", cyc.Error())
	}
	names := lo.Keys(res.Errors)
	sort.Strings(names)
	for _, name := range names {
		derr := res.Errors[name]
		if len(derr.Cycle) > 0 {
			continue
		}
		d.addError(r, "dependencies", "plugins."+name, derr.Error())
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.ValidScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// validateWebhooks checks for path conflicts and weak secrets.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhook == nil {
		return
	}
	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhook.Endpoints {
		field := fmt.Sprintf("webhook.endpoints[%d]", i)
		normalized := strings.TrimSuffix(ep.Path, "/")
		if prev, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhook.endpoints[%d]", ep.Path, prev))
		}
		seen[normalized] = i
		if len(ep.Secret) < minSecretLen {
			d.addWarning(r, "webhooks", field+".secret",
				fmt.Sprintf("secret for %q is shorter than %d characters", ep.Path, minSecretLen))
		}
	}
}

// validateTasks checks declared task intervals.
func (d *Doctor) validateTasks(r *Result) {
	for _, desc := range d.order {
		for _, task := range desc.Capabilities.Tasks {
			field := fmt.Sprintf("%s.tasks.%s", desc.Name, task.Name)
			interval, err := plugin.ParseInterval(task.Every)
			if err != nil {
				d.addError(r, "tasks", field, err.Error())
				continue
			}
			if interval < d.cfg.Governor.TaskTimeout {
				d.addWarning(r, "tasks", field,
					fmt.Sprintf("runs every %s but may take up to %s", interval, d.cfg.Governor.TaskTimeout))
			}
		}
	}
}

func (d *Doctor) warnAPIAuth(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled without credentials; only /healthz is reachable")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key", "api_key grants every scope; prefer scoped tokens")
	}
}

// warnInbound flags a gateway that can never receive a message.
func (d *Doctor) warnInbound(r *Result) {
	hasWebhook := d.cfg.Webhook != nil && len(d.cfg.Webhook.Endpoints) > 0
	if !d.cfg.Transport.WebSocket.Enabled && !hasWebhook {
		d.addWarning(r, "transport", "transport",
			"no websocket bridge and no webhook endpoints; the gateway will receive nothing")
	}
}

// warnCommandOverlap reports commands declared by more than one plugin.
// All of them fire, in priority order.
func (d *Doctor) warnCommandOverlap(r *Result) {
	owners := make(map[string][]string)
	for _, desc := range d.order {
		for _, c := range desc.Capabilities.Commands {
			key := strings.ToLower(c.Match())
			owners[key] = append(owners[key], desc.Name)
		}
	}
	cmds := lo.Keys(owners)
	sort.Strings(cmds)
	for _, c := range cmds {
		if len(owners[c]) > 1 {
			d.addWarning(r, "commands", "",
				fmt.Sprintf("command %q is declared by %s", c, strings.Join(owners[c], ", ")))
		}
	}
}

// warnRuleOverlap reports auto-response rules that shadow escalation
// triggers or acknowledgements.
func (d *Doctor) warnRuleOverlap(r *Result) {
	esc := d.cfg.AutoResponse.Escalation
	reserved := make(map[string]string)
	for _, k := range esc.Triggers {
		reserved[strings.ToLower(k)] = "escalation trigger"
	}
	for _, k := range esc.AckKeywords {
		reserved[strings.ToLower(k)] = "acknowledgement keyword"
	}
	for i, rule := range d.cfg.AutoResponse.Rules {
		for _, k := range rule.Keywords {
			if what, ok := reserved[strings.ToLower(k)]; ok {
				d.addWarning(r, "autoresponse", fmt.Sprintf("autoresponse.rules[%d]", i),
					fmt.Sprintf("rule %q keyword %q is also an %s", rule.Name, k, what))
			}
		}
		if rule.Emergency && rule.Policy.Cooldown == 0 {
			d.addWarning(r, "autoresponse", fmt.Sprintf("autoresponse.rules[%d]", i),
				fmt.Sprintf("emergency rule %q has no cooldown and no hourly cap", rule.Name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
