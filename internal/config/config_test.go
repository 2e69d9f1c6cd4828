package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_WebhookSecretFallsBackToSecretKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PAYSTACK_WEBHOOK_SECRET")
	setEnvWithCleanup(t, "PAYSTACK_SECRET_KEY", "sk_test_abc123")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaystackWebhookSecret != "sk_test_abc123" {
		t.Fatalf("expected webhook secret to fall back to the secret key, got %q", cfg.PaystackWebhookSecret)
	}
}

func TestLoadConfig_ExplicitWebhookSecretTakesPrecedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYSTACK_SECRET_KEY", "sk_test_abc123")
	setEnvWithCleanup(t, "PAYSTACK_WEBHOOK_SECRET", "whsec_relay")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaystackWebhookSecret != "whsec_relay" {
		t.Fatalf("expected explicit webhook secret to win, got %q", cfg.PaystackWebhookSecret)
	}
}

func TestLoadConfig_PollDefaultsMatchReconciliationCadence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "POLL_FAST_INTERVAL_SECONDS")
	unsetEnvWithCleanup(t, "POLL_MEDIUM_INTERVAL_SECONDS")
	unsetEnvWithCleanup(t, "POLL_SLOW_INTERVAL_SECONDS")
	unsetEnvWithCleanup(t, "POLL_MAX_ATTEMPTS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PollFastIntervalSeconds != 10 || cfg.PollMediumIntervalSecs != 30 || cfg.PollSlowIntervalSeconds != 60 {
		t.Fatalf("unexpected poll interval defaults: %d/%d/%d", cfg.PollFastIntervalSeconds, cfg.PollMediumIntervalSecs, cfg.PollSlowIntervalSeconds)
	}
	if cfg.PollMaxAttempts != 60 {
		t.Fatalf("expected 60 poll attempts by default, got %d", cfg.PollMaxAttempts)
	}
}

func TestConfig_AllowedOriginList(t *testing.T) {
	cfg := Config{AllowedOrigins: " https://ops.coverly.test , https://dashboard.coverly.test ,"}
	got := cfg.AllowedOriginList()
	if len(got) != 2 || got[0] != "https://ops.coverly.test" || got[1] != "https://dashboard.coverly.test" {
		t.Fatalf("unexpected origin list: %v", got)
	}

	if got := (Config{}).AllowedOriginList(); got != nil {
		t.Fatalf("expected nil origin list for empty value, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
