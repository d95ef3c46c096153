package autoresponse

import (
	"time"

	"github.com/mattjoyce/meshgate/internal/ratelimit"
)

// Rule is a keyword-triggered automatic reply.
type Rule struct {
	Name     string           `yaml:"name" validate:"required"`
	Keywords []string         `yaml:"keywords" validate:"required,min=1,dive,required"`
	Reply    string           `yaml:"reply" validate:"required"`
	Policy   ratelimit.Policy `yaml:",inline"`
	// Emergency rules are exempt from max_per_hour and always broadcast.
	Emergency bool `yaml:"emergency"`
	// DirectOnly restricts the rule to direct messages.
	DirectOnly bool `yaml:"direct_only"`
}

// GreetingConfig controls the new-arrival greeting.
type GreetingConfig struct {
	Enabled bool          `yaml:"enabled"`
	Text    string        `yaml:"text"`
	Window  time.Duration `yaml:"window"`
	// MaxActors bounds the greeted-actor memory. The least recently greeted
	// actor is forgotten first and will be greeted again.
	MaxActors int `yaml:"max_actors"`
}

// EscalationConfig controls the timed escalation.
type EscalationConfig struct {
	Triggers    []string      `yaml:"triggers"`
	AckKeywords []string      `yaml:"ack_keywords"`
	Delay       time.Duration `yaml:"delay"`
	// Notice is broadcast when a timer fires. {subject} and {keyword} are
	// replaced with the triggering actor and keyword.
	Notice string `yaml:"notice"`
	// Alert is broadcast immediately when a trigger arms a timer.
	Alert string `yaml:"alert"`
	// Channel carries the alert and the notice. Unset uses the channel the
	// trigger arrived on.
	Channel *int `yaml:"channel"`
}

// Config is the auto-response engine configuration.
type Config struct {
	Rules      []Rule           `yaml:"rules" validate:"dive"`
	Greeting   GreetingConfig   `yaml:"greeting"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Greeting: GreetingConfig{
			Text:      "Welcome to the mesh, {actor}. Send 'help' for commands.",
			Window:    24 * time.Hour,
			MaxActors: 4096,
		},
		Escalation: EscalationConfig{
			Triggers:    []string{"sos", "mayday", "emergency"},
			AckKeywords: []string{"ack", "safe"},
			Delay:       5 * time.Minute,
			Notice:      "ESCALATION: {keyword} from {subject} not acknowledged",
			Alert:       "ALERT: {keyword} from {subject}. Reply 'ack {subject}' to acknowledge.",
		},
	}
}
