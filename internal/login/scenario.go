package login

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario describes the login flow to drive and what counts as success.
type Scenario struct {
	LoginURL      string `yaml:"login_url"`
	WelcomeSuffix string `yaml:"welcome_suffix"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`

	Selectors Selectors `yaml:"selectors"`

	// Timeout bounds each protocol command.
	Timeout time.Duration `yaml:"timeout"`
	// NavigationTimeout bounds the page load and the post-login redirect.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// Selectors locate the form elements, as CSS selectors.
type Selectors struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Submit   string `yaml:"submit"`
}

// DefaultScenario returns the built-in scenario for the local test site.
func DefaultScenario() Scenario {
	return Scenario{
		LoginURL:      "http://localhost:8080/login.html",
		WelcomeSuffix: "/welcome.html",
		Username:      "python_user",
		Password:      "python_password",
		Selectors: Selectors{
			Username: "#username",
			Password: "#password",
			Submit:   `button[onclick="performLogin()"]`,
		},
		Timeout:           5 * time.Second,
		NavigationTimeout: 10 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

// LoadScenario reads a YAML scenario file. Fields the file leaves out keep
// their defaults.
func LoadScenario(path string) (Scenario, error) {
	sc := DefaultScenario()

	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("reading scenario: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return sc, sc.Validate()
}

// Validate reports the first missing or invalid field.
func (s Scenario) Validate() error {
	switch {
	case s.LoginURL == "":
		return errors.New("scenario: login_url is required")
	case s.WelcomeSuffix == "":
		return errors.New("scenario: welcome_suffix is required")
	case s.Selectors.Username == "" || s.Selectors.Password == "" || s.Selectors.Submit == "":
		return errors.New("scenario: all selectors are required")
	case s.Timeout <= 0:
		return errors.New("scenario: timeout must be positive")
	case s.NavigationTimeout <= 0:
		return errors.New("scenario: navigation_timeout must be positive")
	}
	return nil
}
