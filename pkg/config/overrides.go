package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Override keys understood by ApplyOverrides. Command-line flags are bound
// to these keys, and each is also read from REFERRALGATE_<KEY> with dots
// replaced by underscores.
const (
	KeyOracleAdapter      = "oracle.adapter"
	KeyOracleModel        = "oracle.model"
	KeyStoreDriver        = "store.driver"
	KeyStorePath          = "store.path"
	KeyServerAddr         = "server.addr"
	KeyLogLevel           = "log.level"
	KeyLogDevelopment     = "log.development"
	KeyEvidenceDir        = "evidence_dir"
	KeyMaxTurns           = "intake.max_turns"
	KeyMaxConcurrentTurns = "intake.max_concurrent_turns"
	KeyRegistryURL        = "registry.base_url"
)

// NewViper returns a viper instance wired to the REFERRALGATE_ environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("REFERRALGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v onto cfg. Keys left unset keep
// the file or default value.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}
	setString := func(key string, dst *string) {
		if s := v.GetString(key); v.IsSet(key) && s != "" {
			*dst = s
		}
	}
	setInt := func(key string, dst *int) {
		if n := v.GetInt(key); v.IsSet(key) && n > 0 {
			*dst = n
		}
	}

	adapter := cfg.Oracle.Adapter
	setString(KeyOracleAdapter, &cfg.Oracle.Adapter)
	setString(KeyOracleModel, &cfg.Oracle.Model)
	if cfg.Oracle.Adapter != adapter && !v.IsSet(KeyOracleModel) {
		cfg.Oracle.Model = defaultModel(cfg.Oracle.Adapter)
	}

	setString(KeyStoreDriver, &cfg.Store.Driver)
	setString(KeyStorePath, &cfg.Store.Path)
	setString(KeyServerAddr, &cfg.Server.Addr)
	setString(KeyLogLevel, &cfg.Log.Level)
	setString(KeyEvidenceDir, &cfg.EvidenceDir)
	setString(KeyRegistryURL, &cfg.Registry.BaseURL)
	setInt(KeyMaxTurns, &cfg.Intake.MaxTurns)
	setInt(KeyMaxConcurrentTurns, &cfg.Intake.MaxConcurrentTurns)
	if v.IsSet(KeyLogDevelopment) {
		cfg.Log.Development = v.GetBool(KeyLogDevelopment)
	}
}
