package main

import (
	"context"
	"os/exec"
	"testing"

	"github.com/estatereel/renderd/internal/config"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/telemetry"
)

func testConfig(t *testing.T) *config.EnvConfig {
	t.Helper()
	t.Setenv(config.EnvDataDir, t.TempDir())
	t.Setenv(config.EnvPublicURL, "https://renderd.example.com")
	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New() error = %v", err)
	}
	return cfg
}

func TestBuildProviders(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := testConfig(t)
	t.Setenv("RENDERD_TEST_SECRET", "whsec")

	set, err := buildProviders(cfg, []config.ProviderConfig{
		{Name: "replicate", Kind: config.ProviderKindHTTP, BaseURL: "https://api.replicate.com", WebhookFormat: "replicate", WebhookSecretEnv: "RENDERD_TEST_SECRET"},
		{Name: "workstation", Kind: config.ProviderKindLocal, Command: "sh", Args: []string{"-c", "true"}},
	}, logging.Discard(), telemetry.NewNoop())
	if err != nil {
		t.Fatalf("buildProviders() error = %v", err)
	}
	defer set.queue.Shutdown(context.Background())

	if len(set.strategies) != 2 || set.strategies[0].Name() != "replicate" || set.strategies[1].Name() != "workstation" {
		t.Fatalf("strategies out of file order")
	}
	if set.local == nil || set.local.Name() != "workstation" || set.queue == nil {
		t.Error("local provider not wired to a render queue")
	}
	if len(set.webhooks) != 1 {
		t.Errorf("webhooks = %v, want only the remote provider", set.webhooks)
	}
	if src := set.webhooks["replicate"]; src.Format != "replicate" || src.Secret != "whsec" {
		t.Errorf("webhook source = %+v", src)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name string
		p    config.ProviderConfig
	}{
		{"bad base url", config.ProviderConfig{Name: "a", Kind: config.ProviderKindHTTP, BaseURL: "not a url"}},
		{"missing command", config.ProviderConfig{Name: "b", Kind: config.ProviderKindLocal, Command: "renderd-no-such-binary"}},
		{"unknown kind", config.ProviderConfig{Name: "c", Kind: "grpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildProviders(cfg, []config.ProviderConfig{tt.p}, logging.Discard(), telemetry.NewNoop()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
