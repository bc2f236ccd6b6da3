package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "MAX_BATCH_SIZE")
	unsetEnvWithCleanup(t, "PAYOUT_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "RECONCILE_SCHEDULE")
	unsetEnvWithCleanup(t, "SCHEDULED_RUN_CRON")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxBatchSize != 10000 {
		t.Fatalf("expected default MaxBatchSize 10000, got %d", cfg.MaxBatchSize)
	}
	if cfg.PayoutTimeoutSeconds != 15 {
		t.Fatalf("expected default PayoutTimeoutSeconds 15, got %d", cfg.PayoutTimeoutSeconds)
	}
	if cfg.ReconcileSchedule != "*/10 * * * *" {
		t.Fatalf("expected default reconcile schedule, got %q", cfg.ReconcileSchedule)
	}
	if cfg.ScheduledRunCron != "" {
		t.Fatalf("expected scheduled run disabled by default, got %q", cfg.ScheduledRunCron)
	}
}

func TestLoadConfig_InvalidMaxBatchSizeFallsBackToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MAX_BATCH_SIZE", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxBatchSize != 10000 {
		t.Fatalf("expected fallback MaxBatchSize 10000, got %d", cfg.MaxBatchSize)
	}
}

func TestLoadConfig_UsesDisbursementServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "DISBURSEMENT_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_ScheduledRunWithoutAmountIsDisabled(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SCHEDULED_RUN_CRON", "0 9 1 * *")
	unsetEnvWithCleanup(t, "SCHEDULED_RUN_AMOUNT")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ScheduledRunCron != "" {
		t.Fatalf("expected scheduled run disabled without an amount, got %q", cfg.ScheduledRunCron)
	}
}

func TestLoadConfig_PaymentBaseURLTrailingSlashStripped(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYMENT_API_BASE_URL", "https://payments.example.com/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaymentAPIBaseURL != "https://payments.example.com" {
		t.Fatalf("expected trailing slash stripped, got %q", cfg.PaymentAPIBaseURL)
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
		}
	})
}
