package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables, falling back to
// defaults.
func Load() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TLS_MODE"); v != "" {
		// An unrecognized value is left alone rather than cast through:
		// TLSMode governs whether a connection gets encrypted at all, so a
		// typo here must not silently take effect as some other mode.
		// internal/conn.ApplyTLSMode also rejects anything outside
		// disable/prefer/require, as a second line of defense.
		if m := TLSMode(strings.ToLower(v)); m.Valid() {
			cfg.TLSMode = m
		}
	}
	if v := os.Getenv("WALPIPE_SLOT_NAME"); v != "" {
		cfg.SlotName = v
	}
	if v := os.Getenv("WALPIPE_PUBLICATIONS"); v != "" {
		cfg.Publications = splitTrimmed(v)
	}
	if v := strings.ToLower(os.Getenv("WALPIPE_CREATE_SLOT")); v != "" {
		cfg.CreateSlotIfMissing = v == "1" || v == "true" || v == "yes"
	}
	if v := strings.ToLower(os.Getenv("WALPIPE_ACTION")); v != "" {
		switch v {
		case "backfill_only":
			cfg.Action = ActionBackfillOnly
		case "cdc_only":
			cfg.Action = ActionCDCOnly
		default:
			cfg.Action = ActionBoth
		}
	}
	if v := os.Getenv("WALPIPE_TABLE_FILTERS"); v != "" {
		cfg.TableFilters = splitTrimmed(v)
	}
	if v := strings.ToLower(os.Getenv("WALPIPE_UNKNOWN_TYPES")); v == "bytes" {
		cfg.UnknownTypes = UnknownTypesBytes
	}
	if v := os.Getenv("WALPIPE_BACKFILL_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.BackfillWorkers = i
		}
	}
	if v := os.Getenv("WALPIPE_STANDBY_STATUS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StandbyStatusInterval = d
		}
	}
	if v := os.Getenv("WALPIPE_RESUME_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.ResumeDedupWindow = i
		}
	}
	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckpointFreq = d
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CHECKPOINT_KEY"); v != "" {
		cfg.CheckpointKey = v
	}
	if v := os.Getenv("CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckpointTTL = d
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("NATS_USERNAME"); v != "" {
		cfg.NATSUsername = v
	}
	if v := os.Getenv("NATS_PASSWORD"); v != "" {
		cfg.NATSPassword = v
	}
	if v := os.Getenv("NATS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NATSTimeout = d
		}
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := strings.ToLower(os.Getenv("DEBUG")); v == "1" || v == "true" || v == "yes" {
		cfg.Debug = true
	}
	if v := os.Getenv("RAW_MESSAGE_BUFFER_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.RawMessageBufferSize = i
		}
	}
	if v := os.Getenv("PARSED_EVENT_BUFFER_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.ParsedEventBufferSize = i
		}
	}
	if v := os.Getenv("MAX_TX_BUFFER_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.MaxTxBufferSize = i
		}
	}

	return cfg
}

func splitTrimmed(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
