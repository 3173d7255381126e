package confirm

import (
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Policy bounds a single confirmation wait.
type Policy struct {
	RequiredConfirmations int
	Timeout               time.Duration
	PollInterval          time.Duration
}

// Settings holds the configured policies for both network classes.
type Settings struct {
	DevRequired  int
	DevTimeout   time.Duration
	Required     int
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultSettings: one confirmation within 10s on development networks, two
// within 30s elsewhere.
func DefaultSettings() Settings {
	return Settings{
		DevRequired:  1,
		DevTimeout:   10 * time.Second,
		Required:     2,
		Timeout:      30 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// PolicyFor selects the policy for network. Development networks mine near
// instantly, so they get a shallow depth and a short timeout.
func PolicyFor(network domain.NetworkKind, s Settings) Policy {
	d := DefaultSettings()
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if network.LowLatency() {
		p := Policy{RequiredConfirmations: s.DevRequired, Timeout: s.DevTimeout, PollInterval: s.PollInterval}
		if p.RequiredConfirmations < 1 {
			p.RequiredConfirmations = d.DevRequired
		}
		if p.Timeout <= 0 {
			p.Timeout = d.DevTimeout
		}
		return p
	}
	p := Policy{RequiredConfirmations: s.Required, Timeout: s.Timeout, PollInterval: s.PollInterval}
	if p.RequiredConfirmations < 1 {
		p.RequiredConfirmations = d.Required
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.RequiredConfirmations < 1 {
		p.RequiredConfirmations = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultSettings().Timeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultSettings().PollInterval
	}
	if p.PollInterval > p.Timeout {
		p.PollInterval = p.Timeout
	}
	return p
}
