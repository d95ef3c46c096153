// Package builtin holds the plugins compiled into the gateway.
//
// Each builtin ships a descriptor from Descriptors so it can be loaded without
// a manifest on disk. A manifest under a plugin root with the same name and
// kind: builtin takes precedence, which lets operators tune cooldowns or
// disable a builtin declaratively.
package builtin

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// Options supplies gateway views to builtin plugins.
type Options struct {
	// Handlers lists installed registrations; used by help.
	Handlers func() []registry.Info
	// Started is the gateway start time reported by sysinfo.
	Started time.Time
	Clock   clockwork.Clock
}

func (o *Options) normalize() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Started.IsZero() {
		o.Started = o.Clock.Now()
	}
	if o.Handlers == nil {
		o.Handlers = func() []registry.Info { return nil }
	}
}

// Catalog returns the factories for every builtin plugin.
func Catalog(opts Options) plugin.Catalog {
	opts.normalize()
	return plugin.Catalog{
		PingName: func(d *plugin.Descriptor) (plugin.Plugin, error) {
			return newPing(opts.Handlers), nil
		},
		SysinfoName: func(d *plugin.Descriptor) (plugin.Plugin, error) {
			return newSysinfo(opts.Started, opts.Clock), nil
		},
	}
}

// Descriptors returns fresh descriptors for the builtin plugins.
func Descriptors() []*plugin.Descriptor {
	return []*plugin.Descriptor{pingDescriptor(), sysinfoDescriptor()}
}

// Merge appends builtin descriptors whose names are not already present.
func Merge(discovered []*plugin.Descriptor) []*plugin.Descriptor {
	seen := make(map[string]bool, len(discovered))
	for _, d := range discovered {
		seen[d.Name] = true
	}
	out := append([]*plugin.Descriptor(nil), discovered...)
	for _, d := range Descriptors() {
		if !seen[d.Name] {
			out = append(out, d)
		}
	}
	return out
}
