// Package registry maps plugin-owned commands, keywords and wildcard patterns
// to handlers. Each plugin's registrations are installed and removed as one
// unit so a lookup never observes a partial handler set.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type slot struct {
	regs     []*Registration
	inflight sync.WaitGroup
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	slots map[string]*slot

	commands map[string][]*Registration
	keywords map[string][]*Registration
	globs    []*Registration
	index    *KeywordIndex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		slots:    make(map[string]*slot),
		commands: make(map[string][]*Registration),
		keywords: make(map[string][]*Registration),
	}
}

// AddPlugin installs regs as plugin's handler set. It fails if plugin
// already has a set installed or any registration is invalid.
func (r *Registry) AddPlugin(plugin string, regs []Registration) error {
	prepared := make([]*Registration, 0, len(regs))
	for i := range regs {
		reg := regs[i]
		reg.Plugin = plugin
		if err := reg.prepare(); err != nil {
			return err
		}
		if reg.ID == "" {
			reg.ID = uuid.NewString()
		}
		prepared = append(prepared, &reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[plugin]; ok {
		return fmt.Errorf("plugin %q already has handlers registered", plugin)
	}
	for _, reg := range prepared {
		r.seq++
		reg.seq = r.seq
	}
	r.slots[plugin] = &slot{regs: prepared}
	if err := r.rebuildLocked(); err != nil {
		delete(r.slots, plugin)
		_ = r.rebuildLocked()
		return err
	}
	return nil
}

// RemovePlugin atomically removes plugin's handler set. The returned function
// blocks until every in-flight invocation begun against the removed set has
// finished, or ctx is done. Removing an absent plugin is a no-op.
func (r *Registry) RemovePlugin(plugin string) func(ctx context.Context) error {
	r.mu.Lock()
	s, ok := r.slots[plugin]
	if ok {
		delete(r.slots, plugin)
		// Index rebuild cannot fail on removal: every remaining keyword was
		// already accepted by a previous build.
		_ = r.rebuildLocked()
	}
	r.mu.Unlock()

	if !ok {
		return func(context.Context) error { return nil }
	}
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Has reports whether plugin currently has a handler set installed.
func (r *Registry) Has(plugin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slots[plugin]
	return ok
}

// Begin marks an invocation against plugin's current handler set as in
// flight. It returns false if the plugin has no set installed. The caller
// must call done exactly once.
func (r *Registry) Begin(plugin string) (done func(), ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[plugin]
	if !ok {
		return nil, false
	}
	s.inflight.Add(1)
	return s.inflight.Done, true
}

// Commands returns the registrations for command name, in dispatch order.
func (r *Registry) Commands(name string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Registration(nil), r.commands[name]...)
}

// Matchers returns the keyword and wildcard registrations matching the
// normalized content, in dispatch order.
func (r *Registry) Matchers(normalized string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	seen := make(map[*Registration]struct{})
	for _, word := range r.index.Find(normalized) {
		for _, reg := range r.keywords[word] {
			if _, dup := seen[reg]; !dup {
				seen[reg] = struct{}{}
				out = append(out, reg)
			}
		}
	}
	for _, reg := range r.globs {
		if reg.glob.Match(normalized) {
			out = append(out, reg)
		}
	}
	sortRegistrations(out)
	return out
}

// List returns every installed registration in dispatch order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := lo.FlatMap(lo.Values(r.slots), func(s *slot, _ int) []*Registration { return s.regs })
	sortRegistrations(all)
	return lo.Map(all, func(reg *Registration, _ int) Info { return reg.info() })
}

// Plugins returns the names of plugins with an installed handler set.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.slots)
	sort.Strings(names)
	return names
}

func (r *Registry) rebuildLocked() error {
	commands := make(map[string][]*Registration)
	keywords := make(map[string][]*Registration)
	var globs []*Registration

	for _, s := range r.slots {
		for _, reg := range s.regs {
			switch reg.Kind {
			case KindCommand:
				commands[reg.Pattern] = append(commands[reg.Pattern], reg)
			case KindKeyword:
				keywords[reg.Pattern] = append(keywords[reg.Pattern], reg)
			case KindWildcard:
				globs = append(globs, reg)
			}
		}
	}
	for _, regs := range commands {
		sortRegistrations(regs)
	}
	sortRegistrations(globs)

	index, err := NewKeywordIndex(lo.Keys(keywords))
	if err != nil {
		return err
	}

	r.commands = commands
	r.keywords = keywords
	r.globs = globs
	r.index = index
	return nil
}

func sortRegistrations(regs []*Registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
}
