package health

import "time"

// Config holds probe and restart tuning.
type Config struct {
	Interval         time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gte=0"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	BaseDelay        time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay         time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`
	// MaxParallel bounds concurrent probes within one sweep.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel" validate:"gte=0"`
}

// Defaults returns the stock tuning.
func Defaults() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FailureThreshold: 5,
		BaseDelay:        2 * time.Second,
		MaxDelay:         300 * time.Second,
		MaxParallel:      8,
	}
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	return c
}
