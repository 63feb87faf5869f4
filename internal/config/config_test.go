package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsWhenUnset(t *testing.T) {
	clearWalpipeEnv(t)
	cfg := Load()
	if cfg.SlotName != "walpipe_slot" {
		t.Fatalf("SlotName = %q", cfg.SlotName)
	}
	if cfg.Action != ActionBoth {
		t.Fatalf("Action = %v, want ActionBoth", cfg.Action)
	}
	if cfg.UnknownTypes != UnknownTypesError {
		t.Fatalf("UnknownTypes = %v, want UnknownTypesError", cfg.UnknownTypes)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearWalpipeEnv(t)
	t.Setenv("WALPIPE_SLOT_NAME", "custom_slot")
	t.Setenv("WALPIPE_ACTION", "backfill_only")
	t.Setenv("WALPIPE_UNKNOWN_TYPES", "bytes")
	t.Setenv("WALPIPE_PUBLICATIONS", "pub_a, pub_b")
	t.Setenv("WALPIPE_RESUME_DEDUP_WINDOW", "42")

	cfg := Load()
	if cfg.SlotName != "custom_slot" {
		t.Fatalf("SlotName = %q", cfg.SlotName)
	}
	if cfg.Action != ActionBackfillOnly {
		t.Fatalf("Action = %v", cfg.Action)
	}
	if cfg.UnknownTypes != UnknownTypesBytes {
		t.Fatalf("UnknownTypes = %v", cfg.UnknownTypes)
	}
	if len(cfg.Publications) != 2 || cfg.Publications[0] != "pub_a" || cfg.Publications[1] != "pub_b" {
		t.Fatalf("Publications = %v", cfg.Publications)
	}
	if cfg.ResumeDedupWindow != 42 {
		t.Fatalf("ResumeDedupWindow = %d", cfg.ResumeDedupWindow)
	}
}

func TestPipelineActionString(t *testing.T) {
	cases := map[PipelineAction]string{
		ActionBoth:         "both",
		ActionBackfillOnly: "backfill_only",
		ActionCDCOnly:      "cdc_only",
	}
	for action, want := range cases {
		if got := action.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}

func TestTLSModeValid(t *testing.T) {
	for _, m := range []TLSMode{TLSDisable, TLSPrefer, TLSRequire} {
		if !m.Valid() {
			t.Fatalf("%q.Valid() = false, want true", m)
		}
	}
	if TLSMode("verify-full").Valid() {
		t.Fatal("expected an unrecognized tls_mode to be invalid")
	}
}

func TestLoadRejectsUnrecognizedTLSMode(t *testing.T) {
	clearWalpipeEnv(t)
	t.Setenv("TLS_MODE", "verify-full")
	cfg := Load()
	if cfg.TLSMode != DefaultConfig().TLSMode {
		t.Fatalf("TLSMode = %q, want the default left untouched by an invalid value", cfg.TLSMode)
	}
}

func TestLoadAcceptsKnownTLSModes(t *testing.T) {
	for _, m := range []TLSMode{TLSDisable, TLSPrefer, TLSRequire} {
		clearWalpipeEnv(t)
		t.Setenv("TLS_MODE", string(m))
		cfg := Load()
		if cfg.TLSMode != m {
			t.Fatalf("TLSMode = %q, want %q", cfg.TLSMode, m)
		}
	}
}

func clearWalpipeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "TLS_MODE", "WALPIPE_SLOT_NAME", "WALPIPE_PUBLICATIONS",
		"WALPIPE_CREATE_SLOT", "WALPIPE_ACTION", "WALPIPE_TABLE_FILTERS",
		"WALPIPE_UNKNOWN_TYPES", "WALPIPE_BACKFILL_WORKERS",
		"WALPIPE_STANDBY_STATUS_INTERVAL", "WALPIPE_RESUME_DEDUP_WINDOW",
		"CHECKPOINT_INTERVAL", "REDIS_URL", "CHECKPOINT_KEY", "CHECKPOINT_TTL",
		"NATS_URL", "NATS_USERNAME", "NATS_PASSWORD", "NATS_TIMEOUT",
		"HEALTH_ADDR", "DEBUG", "RAW_MESSAGE_BUFFER_SIZE",
		"PARSED_EVENT_BUFFER_SIZE", "MAX_TX_BUFFER_SIZE",
	} {
		os.Unsetenv(key)
	}
}
