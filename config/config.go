// Package config loads node configuration from a JSON file with
// environment variable overrides. Precedence: explicit flags bound by the
// caller, then environment, then the config file, then defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/fees"
	"github.com/spf13/viper"
)

// Defaults applied when neither file nor environment sets a value.
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxPayloadSize = 64 * 1024
	DefaultKeyPrefix      = "crossgate"
)

// TrustBinding preconfigures one channel's trusted remote at boot.
type TrustBinding struct {
	SourceChain uint64 `mapstructure:"sourceChain" json:"sourceChain"`
	SourceApp   string `mapstructure:"sourceApp" json:"sourceApp"`
	DestChain   uint64 `mapstructure:"destChain" json:"destChain"`
	DestApp     string `mapstructure:"destApp" json:"destApp"`
	Remote      string `mapstructure:"remote" json:"remote"`
}

// Key returns the channel key of the binding.
func (b TrustBinding) Key() contracts.ChannelKey {
	return contracts.ChannelKey{
		SourceChain: contracts.ChainID(b.SourceChain),
		SourceApp:   b.SourceApp,
		DestChain:   contracts.ChainID(b.DestChain),
		DestApp:     b.DestApp,
	}
}

// Config is the node configuration.
type Config struct {
	ChainID        uint64                      `mapstructure:"chainId" json:"chainId"`
	Owner          string                      `mapstructure:"owner" json:"owner"`
	RelayURL       string                      `mapstructure:"relayUrl" json:"relayUrl"`
	ResultQueue    string                      `mapstructure:"resultQueue" json:"resultQueue"`
	RedisURL       string                      `mapstructure:"redisUrl" json:"redisUrl"`
	KeyPrefix      string                      `mapstructure:"keyPrefix" json:"keyPrefix"`
	ListenAddr     string                      `mapstructure:"listenAddr" json:"listenAddr"`
	MaxPayloadSize int                         `mapstructure:"maxPayloadSize" json:"maxPayloadSize"`
	Pricing        map[string]fees.ChainPricing `mapstructure:"pricing" json:"pricing"`
	Trust          []TrustBinding              `mapstructure:"trust" json:"trust"`
}

// Load reads the configuration file at path. Environment variables
// prefixed CROSSGATE_ override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CROSSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listenAddr", DefaultListenAddr)
	v.SetDefault("maxPayloadSize", DefaultMaxPayloadSize)
	v.SetDefault("keyPrefix", DefaultKeyPrefix)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chainId must be set and non-zero")
	}
	if c.Owner == "" {
		return fmt.Errorf("owner must be set")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relayUrl must be set")
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("maxPayloadSize must be positive")
	}
	for id := range c.Pricing {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return fmt.Errorf("pricing key %q is not a chain id: %w", id, err)
		}
	}
	for _, b := range c.Trust {
		if err := b.Key().Validate(); err != nil {
			return err
		}
		if b.Remote == "" {
			return fmt.Errorf("trust binding for channel %s has no remote", b.Key())
		}
	}
	return nil
}

// PricingRates converts the file's string-keyed pricing table into the
// estimator's form.
func (c Config) PricingRates() map[contracts.ChainID]fees.ChainPricing {
	rates := make(map[contracts.ChainID]fees.ChainPricing, len(c.Pricing))
	for id, p := range c.Pricing {
		parsed, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			// Validate already rejected these.
			continue
		}
		rates[contracts.ChainID(parsed)] = p
	}
	return rates
}
