package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// PingName is the builtin ping plugin.
const PingName = "ping"

// maxHelpLen keeps the help reply inside a single mesh packet.
const maxHelpLen = 200

func pingDescriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:        PingName,
		Version:     "1.0.0",
		Description: "Liveness reply and command listing",
		Kind:        plugin.KindBuiltin,
		Capabilities: plugin.Capabilities{
			Commands: plugin.HandlerSpecs{
				{Name: "ping", Cooldown: 5 * time.Second, Description: "reply pong"},
				{Name: "help", Cooldown: 30 * time.Second, Description: "list commands"},
				{Name: "cmd", Cooldown: 30 * time.Second, Description: "list commands"},
			},
		},
	}
}

type ping struct {
	plugin.Base
	handlers func() []registry.Info
	reply    string
}

func newPing(handlers func() []registry.Info) *ping {
	return &ping{handlers: handlers, reply: "pong"}
}

func (p *ping) Initialize(ctx context.Context, host plugin.Host) error {
	if v, ok := host.Config()["reply"].(string); ok && strings.TrimSpace(v) != "" {
		p.reply = v
	}

	d := host.Descriptor()
	for _, name := range []string{"ping", "help", "cmd"} {
		spec, ok := d.Capabilities.Commands.Find(name)
		if !ok {
			// Operator manifest dropped this command.
			continue
		}
		h := p.handlePing
		if name != "ping" {
			h = p.handleHelp
		}
		if err := host.RegisterCommand(name, spec.Priority, spec.Policy(), h); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (p *ping) handlePing(_ context.Context, args []string, hc mesh.Context) (registry.Result, error) {
	if len(args) > 0 {
		return registry.Result{Text: p.reply + " " + strings.Join(args, " ")}, nil
	}
	return registry.Result{Text: p.reply}, nil
}

func (p *ping) handleHelp(context.Context, []string, mesh.Context) (registry.Result, error) {
	return registry.Result{Text: helpText(p.handlers())}, nil
}

// helpText lists distinct command names, truncated to one packet.
func helpText(infos []registry.Info) string {
	seen := make(map[string]bool)
	var names []string
	for _, info := range infos {
		if info.Kind != registry.KindCommand || seen[info.Pattern] {
			continue
		}
		seen[info.Pattern] = true
		names = append(names, info.Pattern)
	}
	if len(names) == 0 {
		return "no commands available"
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("commands:")
	for _, n := range names {
		if b.Len()+1+len(n) > maxHelpLen {
			b.WriteString(" ...")
			break
		}
		b.WriteString(" ")
		b.WriteString(n)
	}
	return b.String()
}
