package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBaseInterval      = 60 * time.Second
	DefaultMaxJitter         = 10 * time.Second
	DefaultNavigationTimeout = 60 * time.Second
	DefaultLoadTimeout       = 30 * time.Second
	DefaultSettleDelay       = 2 * time.Second
	DefaultBlockedPause      = 300 * time.Second
)

// Config controls one session.
type Config struct {
	TargetURL         string
	BaseInterval      time.Duration
	MaxJitter         time.Duration
	NavigationTimeout time.Duration
	LoadTimeout       time.Duration
	SettleDelay       time.Duration
	BlockedPause      time.Duration
	ContentLocators   []string
	BlockingLocators  []string
}

// Overrides is the per-monitor JSON payload stored with a monitor record.
// Zero fields keep the process defaults.
type Overrides struct {
	TargetURL           string   `json:"target_url,omitempty"`
	PollIntervalSeconds int      `json:"poll_interval_seconds,omitempty"`
	ContentSelectors    []string `json:"content_selectors,omitempty"`
	CaptchaSelectors    []string `json:"captcha_selectors,omitempty"`
}

// Apply decodes raw overrides on top of c. A nil or empty payload returns c.
func (c Config) Apply(raw json.RawMessage) (Config, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return c, nil
	}
	var o Overrides
	if err := json.Unmarshal(raw, &o); err != nil {
		return c, fmt.Errorf("decode session overrides: %w", err)
	}
	if o.TargetURL != "" {
		c.TargetURL = o.TargetURL
	}
	if o.PollIntervalSeconds > 0 {
		c.BaseInterval = time.Duration(o.PollIntervalSeconds) * time.Second
	}
	if len(o.ContentSelectors) > 0 {
		c.ContentLocators = o.ContentSelectors
	}
	if len(o.CaptchaSelectors) > 0 {
		c.BlockingLocators = o.CaptchaSelectors
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = DefaultMaxJitter
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.BlockedPause <= 0 {
		c.BlockedPause = DefaultBlockedPause
	}
	return c
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	if c.TargetURL == "" {
		return errors.New("session target url is required")
	}
	return nil
}
