package booking

import (
	"fmt"
	"time"
)

// Config controls one booking session.
type Config struct {
	TargetURL         string
	NavigationTimeout time.Duration
	ClickTimeout      time.Duration
	// StepDelay is the pause after navigation and after each click-through.
	StepDelay      time.Duration
	CaptchaPoll    time.Duration
	CaptchaTimeout time.Duration
	SubmitPoll     time.Duration
	SubmitTimeout  time.Duration

	ApplyLocators   []string
	BookLocators    []string
	CaptchaLocators []string
	// FormFields maps a form_data key to the locators tried in order.
	FormFields map[string][]string
	// SuccessMarkers are URL substrings that mark a submitted booking.
	SuccessMarkers []string
	PDFLinkLocator string
	ArtifactPrefix string
}

// DefaultConfig returns the booking flow used by the VFS application pages.
func DefaultConfig() Config {
	return Config{
		TargetURL:         "https://visa.vfsglobal.com/moz/en/prt/apply",
		NavigationTimeout: 60 * time.Second,
		ClickTimeout:      5 * time.Second,
		StepDelay:         2 * time.Second,
		CaptchaPoll:       2 * time.Second,
		CaptchaTimeout:    5 * time.Minute,
		SubmitPoll:        5 * time.Second,
		SubmitTimeout:     time.Hour,
		ApplyLocators:     []string{`a[href*="apply"]`, `[data-testid="apply-visa"]`},
		BookLocators:      []string{`a[href*="appointment"]`, `[data-testid="book-appointment"]`},
		CaptchaLocators: []string{
			`iframe[title*="CAPTCHA"]`,
			`iframe[title*="captcha"]`,
			"#captcha-container",
			".captcha",
			`iframe[src*="recaptcha"]`,
		},
		FormFields: map[string][]string{
			"first_name": {`input[name*="first"]`, `input[id*="first"]`, `input[placeholder*="First"]`},
			"last_name":  {`input[name*="last"]`, `input[id*="last"]`, `input[placeholder*="Last"]`},
			"dob":        {`input[name*="dob"]`, `input[id*="dob"]`, `input[type="date"]`},
			"passport":   {`input[name*="passport"]`, `input[id*="passport"]`, `input[placeholder*="Passport"]`},
		},
		SuccessMarkers: []string{"success", "confirmation"},
		PDFLinkLocator: `a[href*=".pdf"]`,
		ArtifactPrefix: "bookings",
	}
}

// Validate checks the fields a session cannot run without.
func (c Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("booking target url is required")
	}
	if c.CaptchaPoll <= 0 || c.SubmitPoll <= 0 {
		return fmt.Errorf("booking poll intervals must be positive")
	}
	if c.CaptchaTimeout < c.CaptchaPoll || c.SubmitTimeout < c.SubmitPoll {
		return fmt.Errorf("booking timeouts must cover at least one poll")
	}
	return nil
}
