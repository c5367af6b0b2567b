package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// FileOverrides carries the subset of configuration that may be supplied
// through a YAML file instead of environment variables: range bounds and
// poller intervals. Kept separate from Config/Load so environment
// variables remain authoritative for secrets (spec never allows a
// private key or session secret to come from a file) and only layer in
// where the environment left a value at its packaged default.
type FileOverrides struct {
	VPNSubnetCIDR         string `mapstructure:"vpn_subnet_cidr"`
	VPNRangeStart         int    `mapstructure:"vpn_range_start"`
	VPNRangeEnd           int    `mapstructure:"vpn_range_end"`
	LivenessWindowSeconds int    `mapstructure:"liveness_window_seconds"`
	IdleIntervalSeconds   int    `mapstructure:"idle_interval_seconds"`
	PollIntervalSeconds   int    `mapstructure:"poll_interval_seconds"`
	DBSyncIntervalSeconds int    `mapstructure:"db_sync_interval_seconds"`
}

// LoadFile reads path (expected YAML, any viper-supported format by
// extension also works) into a FileOverrides. Returns a zero-value struct
// and no error when path is empty, so callers can unconditionally call
// this and apply the result.
func LoadFile(path string) (FileOverrides, error) {
	var out FileOverrides
	if path == "" {
		return out, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return out, fmt.Errorf("config: reading file %s: %w", path, err)
	}
	if err := v.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("config: parsing file %s: %w", path, err)
	}
	log.Printf("INFO: loaded file config overrides from %s", path)
	return out, nil
}

// ApplyFileOverrides layers non-zero FileOverrides values onto cfg, but
// only where cfg still holds its packaged default — an environment
// variable set to a non-default value wins over the file; one set to
// exactly the default value cannot be told apart from an unset one, so the
// file value replaces it. A file liveness window that does not exceed 6x
// PersistentKeepalive is ignored, the same floor Load enforces.
func ApplyFileOverrides(cfg *Config, overrides FileOverrides) {
	if overrides.VPNSubnetCIDR != "" && cfg.VPNSubnetCIDR == DefaultVPNSubnetCIDR {
		cfg.VPNSubnetCIDR = overrides.VPNSubnetCIDR
	}
	if overrides.VPNRangeStart != 0 && cfg.VPNRangeStart == DefaultVPNRangeStart {
		cfg.VPNRangeStart = overrides.VPNRangeStart
	}
	if overrides.VPNRangeEnd != 0 && cfg.VPNRangeEnd == DefaultVPNRangeEnd {
		cfg.VPNRangeEnd = overrides.VPNRangeEnd
	}
	if overrides.LivenessWindowSeconds != 0 && cfg.Intervals.LivenessWindowSeconds == DefaultLivenessWindowSeconds {
		if keepaliveFloor := 6 * cfg.ClientConfig.PersistentKeepalive; overrides.LivenessWindowSeconds > keepaliveFloor {
			cfg.Intervals.LivenessWindowSeconds = overrides.LivenessWindowSeconds
		} else {
			log.Printf("WARNING: file liveness_window_seconds (%d) must exceed 6x PersistentKeepalive (%d); ignoring it",
				overrides.LivenessWindowSeconds, keepaliveFloor)
		}
	}
	if overrides.IdleIntervalSeconds != 0 && cfg.Intervals.IdleIntervalSeconds == DefaultIdleIntervalSeconds {
		cfg.Intervals.IdleIntervalSeconds = overrides.IdleIntervalSeconds
	}
	if overrides.PollIntervalSeconds != 0 && cfg.Intervals.PollIntervalSeconds == DefaultPollIntervalSeconds {
		cfg.Intervals.PollIntervalSeconds = overrides.PollIntervalSeconds
	}
	if overrides.DBSyncIntervalSeconds != 0 && cfg.Intervals.DBSyncIntervalSeconds == DefaultDBSyncIntervalSeconds {
		cfg.Intervals.DBSyncIntervalSeconds = overrides.DBSyncIntervalSeconds
	}
}
