package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
)

// Kind classifies how a registration matches messages.
type Kind string

const (
	// KindCommand matches the first token of a message exactly.
	KindCommand Kind = "command"
	// KindKeyword matches a whole word anywhere in the message.
	KindKeyword Kind = "keyword"
	// KindWildcard matches the whole normalized message against a glob.
	KindWildcard Kind = "wildcard"
)

// Result is what a handler returns. An empty Text produces no response.
type Result struct {
	Text string
	// Stop ends the keyword/wildcard chain after this handler.
	Stop bool
}

// Handler is the callable behind a registration.
type Handler func(ctx context.Context, args []string, hc mesh.Context) (Result, error)

// Registration is one plugin claim on a command, keyword or wildcard.
type Registration struct {
	ID       string
	Plugin   string
	Name     string
	Kind     Kind
	Pattern  string
	Priority int
	Policy   ratelimit.Policy
	Handler  Handler

	seq  uint64
	glob glob.Glob
}

// RuleKey identifies the registration for rate limiting.
func (r *Registration) RuleKey() string {
	return r.Plugin + ":" + r.Name
}

// Seq is the insertion sequence used to break priority ties.
func (r *Registration) Seq() uint64 { return r.seq }

var ErrInvalidRegistration = errors.New("invalid registration")

func (r *Registration) prepare() error {
	r.Pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
	if r.Plugin == "" {
		return fmt.Errorf("%w: missing plugin", ErrInvalidRegistration)
	}
	if r.Pattern == "" {
		return fmt.Errorf("%w: plugin %q: empty pattern", ErrInvalidRegistration, r.Plugin)
	}
	if r.Handler == nil {
		return fmt.Errorf("%w: plugin %q pattern %q: nil handler", ErrInvalidRegistration, r.Plugin, r.Pattern)
	}
	if r.Name == "" {
		r.Name = r.Pattern
	}
	switch r.Kind {
	case KindCommand, KindKeyword:
		if strings.ContainsAny(r.Pattern, " \t\n") {
			return fmt.Errorf("%w: %s %q must be a single word", ErrInvalidRegistration, r.Kind, r.Pattern)
		}
	case KindWildcard:
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("%w: wildcard %q: %v", ErrInvalidRegistration, r.Pattern, err)
		}
		r.glob = g
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRegistration, r.Kind)
	}
	return nil
}

// Info is the read-only view of a registration.
type Info struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	Pattern    string `json:"pattern"`
	Priority   int    `json:"priority"`
	Cooldown   string `json:"cooldown,omitempty"`
	MaxPerHour int    `json:"max_per_hour,omitempty"`
	Exempt     bool   `json:"exempt,omitempty"`
}

func (r *Registration) info() Info {
	i := Info{
		ID:         r.ID,
		Plugin:     r.Plugin,
		Name:       r.Name,
		Kind:       r.Kind,
		Pattern:    r.Pattern,
		Priority:   r.Priority,
		MaxPerHour: r.Policy.MaxPerHour,
		Exempt:     r.Policy.Exempt,
	}
	if r.Policy.Cooldown > 0 {
		i.Cooldown = r.Policy.Cooldown.String()
	}
	return i
}
