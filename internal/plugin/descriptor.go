package plugin

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
)

// Kind selects how a plugin is instantiated.
type Kind string

const (
	// KindBuiltin plugins are compiled into the gateway and looked up in a Catalog.
	KindBuiltin Kind = "builtin"
	// KindExec plugins are external executables speaking the JSON protocol.
	KindExec Kind = "exec"
)

// Permission is a capability a plugin must request in its descriptor.
type Permission string

const (
	PermSend      Permission = "send"
	PermBroadcast Permission = "broadcast"
	PermOutbound  Permission = "outbound"
	PermStorage   Permission = "storage"
)

func (p Permission) valid() bool {
	switch p {
	case PermSend, PermBroadcast, PermOutbound, PermStorage:
		return true
	}
	return false
}

// Dependency is a declared dependency on another plugin.
//
// Accepted formats:
//   - scalar: dependencies: [storage]
//   - object: dependencies: [{name: weather, optional: true}]
type Dependency struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

func (d *Dependency) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		d.Name = strings.TrimSpace(n.Value)
		d.Optional = false
		return nil
	case yaml.MappingNode:
		type plain Dependency
		var tmp plain
		if err := n.Decode(&tmp); err != nil {
			return fmt.Errorf("invalid dependency object: %w", err)
		}
		*d = Dependency(tmp)
		d.Name = strings.TrimSpace(d.Name)
		return nil
	default:
		return fmt.Errorf("invalid dependency entry (must be string or object)")
	}
}

// HandlerSpec declares a command or keyword a plugin may register.
// For exec plugins every declared handler is registered automatically.
//
// Accepted formats:
//   - scalar: commands: [ping, wx]
//   - object: commands: [{name: wx, priority: 10, cooldown: 30s}]
type HandlerSpec struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Pattern     string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Wildcard    bool          `yaml:"wildcard,omitempty" json:"wildcard,omitempty"`
	Priority    int           `yaml:"priority,omitempty" json:"priority,omitempty"`
	Cooldown    time.Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty" validate:"gte=0"`
	MaxPerHour  int           `yaml:"max_per_hour,omitempty" json:"max_per_hour,omitempty" validate:"gte=0"`
	Emergency   bool          `yaml:"emergency,omitempty" json:"emergency,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// Match returns the pattern the handler matches on.
func (h HandlerSpec) Match() string {
	if h.Pattern != "" {
		return h.Pattern
	}
	return h.Name
}

// Policy returns the rate-limit policy for the handler.
func (h HandlerSpec) Policy() ratelimit.Policy {
	return ratelimit.Policy{Cooldown: h.Cooldown, MaxPerHour: h.MaxPerHour, Exempt: h.Emergency}
}

// HandlerSpecs is a list accepting both scalar and object entries.
type HandlerSpecs []HandlerSpec

func (hs *HandlerSpecs) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*hs = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("handlers must be a sequence")
	}

	out := make([]HandlerSpec, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, HandlerSpec{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp HandlerSpec
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid handler object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			tmp.Pattern = strings.TrimSpace(tmp.Pattern)
			if tmp.Name == "" {
				tmp.Name = tmp.Pattern
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid handler entry (must be string or object)")
		}
	}

	*hs = out
	return nil
}

// Names returns the declared handler names in descriptor order.
func (hs HandlerSpecs) Names() []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Name
	}
	return out
}

// Find returns the spec whose name or pattern is name.
func (hs HandlerSpecs) Find(name string) (HandlerSpec, bool) {
	name = strings.TrimSpace(name)
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) || strings.EqualFold(h.Match(), name) {
			return h, true
		}
	}
	return HandlerSpec{}, false
}

// TaskSpec declares a scheduled task.
type TaskSpec struct {
	Name   string        `yaml:"name" json:"name" validate:"required"`
	Every  string        `yaml:"every" json:"every" validate:"required"`
	Jitter time.Duration `yaml:"jitter,omitempty" json:"jitter,omitempty" validate:"gte=0"`
}

// Capabilities lists what a plugin may register.
type Capabilities struct {
	Commands HandlerSpecs `yaml:"commands,omitempty" json:"commands,omitempty" validate:"dive"`
	Keywords HandlerSpecs `yaml:"keywords,omitempty" json:"keywords,omitempty" validate:"dive"`
	Tasks    []TaskSpec   `yaml:"tasks,omitempty" json:"tasks,omitempty" validate:"dive"`
}

// Descriptor is the parsed contents of a plugin's manifest.yaml.
type Descriptor struct {
	Name         string         `yaml:"name" json:"name" validate:"required,max=64"`
	Version      string         `yaml:"version" json:"version" validate:"required"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind         Kind           `yaml:"kind" json:"kind" validate:"oneof=builtin exec"`
	Protocol     int            `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Entrypoint   string         `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty" validate:"required_if=Kind exec"`
	Dependencies []Dependency   `yaml:"dependencies,omitempty" json:"dependencies,omitempty" validate:"dive"`
	Capabilities Capabilities   `yaml:"capabilities" json:"capabilities"`
	Permissions  []Permission   `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Quota        governor.Quota `yaml:"quota,omitempty" json:"quota,omitempty"`

	// Set by discovery.
	Path         string `yaml:"-" json:"path,omitempty"`
	ManifestPath string `yaml:"-" json:"manifest_path,omitempty"`
	Checksum     string `yaml:"-" json:"checksum,omitempty"`
}

// HasPermission reports whether the descriptor requests p.
func (d *Descriptor) HasPermission(p Permission) bool {
	for _, have := range d.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// DeclaresCommand reports whether name is a declared command.
func (d *Descriptor) DeclaresCommand(name string) bool {
	_, ok := d.Capabilities.Commands.Find(name)
	return ok
}

// DeclaresKeyword reports whether name is a declared keyword or wildcard.
func (d *Descriptor) DeclaresKeyword(name string) bool {
	_, ok := d.Capabilities.Keywords.Find(name)
	return ok
}

// DeclaresTask reports whether name is a declared scheduled task.
func (d *Descriptor) DeclaresTask(name string) bool {
	for _, t := range d.Capabilities.Tasks {
		if t.Name == name {
			return true
		}
	}
	return false
}

// RequiredDependencies returns the names of non-optional dependencies.
func (d *Descriptor) RequiredDependencies() []string {
	var out []string
	for _, dep := range d.Dependencies {
		if !dep.Optional {
			out = append(out, dep.Name)
		}
	}
	return out
}

// ParseDescriptor decodes and validates manifest bytes.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if d.Kind == "" {
		d.Kind = KindExec
	}
	if d.Kind == KindExec && d.Protocol == 0 {
		d.Protocol = supportedProtocol
	}
	if err := validateDescriptor(&d); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &d, nil
}
