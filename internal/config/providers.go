package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ProviderKindHTTP  = "http"
	ProviderKindLocal = "local"
)

var ErrNoProviders = errors.New("no providers configured")

// Duration decodes TOML strings such as "90s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ProviderConfig is one [[provider]] table of the providers file.
type ProviderConfig struct {
	Name             string   `toml:"name"`
	Kind             string   `toml:"kind"`
	BaseURL          string   `toml:"base_url"`
	SubmitPath       string   `toml:"submit_path"`
	TokenEnv         string   `toml:"token_env"`
	WebhookFormat    string   `toml:"webhook_format"`
	WebhookSecretEnv string   `toml:"webhook_secret_env"`
	Timeout          Duration `toml:"timeout"`
	RatePerSecond    float64  `toml:"rate_per_second"`
	Burst            int      `toml:"burst"`
	Command          string   `toml:"command"`
	Args             []string `toml:"args"`
	OutputDir        string   `toml:"output_dir"`
}

// Token reads the provider's API token from the environment.
func (p ProviderConfig) Token() string {
	if p.TokenEnv == "" {
		return ""
	}
	return os.Getenv(p.TokenEnv)
}

// WebhookSecret reads the webhook signing secret from the environment.
// Empty disables signature verification.
func (p ProviderConfig) WebhookSecret() string {
	if p.WebhookSecretEnv == "" {
		return ""
	}
	return os.Getenv(p.WebhookSecretEnv)
}

type providersFile struct {
	Providers []ProviderConfig `toml:"provider"`
}

// LoadProviders decodes the providers file. File order is dispatch order.
func LoadProviders(path string) ([]ProviderConfig, error) {
	var f providersFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("providers file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := validateProviders(f.Providers); err != nil {
		return nil, fmt.Errorf("providers file %s: %w", path, err)
	}
	return f.Providers, nil
}

func validateProviders(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return ErrNoProviders
	}
	seen := make(map[string]bool, len(providers))
	locals := 0
	for i := range providers {
		p := &providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true

		if p.Kind == "" {
			p.Kind = ProviderKindHTTP
		}
		switch p.Kind {
		case ProviderKindHTTP:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required", p.Name)
			}
			switch strings.ToLower(p.WebhookFormat) {
			case "", "native", "replicate", "fal":
			default:
				return fmt.Errorf("provider %s: unknown webhook_format %q", p.Name, p.WebhookFormat)
			}
		case ProviderKindLocal:
			if p.Command == "" {
				return fmt.Errorf("provider %s: command is required", p.Name)
			}
			locals++
		default:
			return fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
		if p.RatePerSecond < 0 || p.Burst < 0 {
			return fmt.Errorf("provider %s: rate_per_second and burst must not be negative", p.Name)
		}
	}
	if locals > 1 {
		return errors.New("at most one local provider is supported")
	}
	return nil
}
