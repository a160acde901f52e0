// Package config defines the typed configuration surface recognized by the
// registry service (§6.3). Every recognized option is a named field here;
// callers never pass a loosely-typed map of options into a component.
package config

import (
	"fmt"
	"time"
)

// RetryConfig tunes the optimistic-lock CAS retry loop (§4.2).
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay    time.Duration `mapstructure:"baseDelay" yaml:"baseDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay" yaml:"maxDelay"`
	JitterFactor float64       `mapstructure:"jitterFactor" yaml:"jitterFactor"`
}

// DefaultRetryConfig returns the spec's default CAS tuning: base=10ms,
// max=1000ms, jitter=0.5, attempts=5.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     1000 * time.Millisecond,
		JitterFactor: 0.5,
	}
}

// RateLimitConfig configures the per-IP sliding window limiter (§4.9).
type RateLimitConfig struct {
	WindowMs int `mapstructure:"windowMs" yaml:"windowMs"`
	Max      int `mapstructure:"max" yaml:"max"`
}

// DefaultRateLimitConfig returns a permissive default: 100 requests per
// 60-second window per IP.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{WindowMs: 60_000, Max: 100}
}

// ProvenanceKey identifies one verifying public key for DSSE attestations.
type ProvenanceKey struct {
	KeyID  string `mapstructure:"keyid" yaml:"keyid"`
	Alg    string `mapstructure:"alg" yaml:"alg"`
	PubKey string `mapstructure:"pubkey" yaml:"pubkey"` // PEM-encoded
}

// Config is the complete set of recognized startup options (§6.3).
type Config struct {
	APIKey             string          `mapstructure:"apiKey" yaml:"apiKey"`
	BaseDir            string          `mapstructure:"baseDir" yaml:"baseDir"`
	DBPath             string          `mapstructure:"dbPath" yaml:"dbPath"`
	Address            string          `mapstructure:"address" yaml:"address"`
	RateLimit          RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit"`
	JSONLimit          int64           `mapstructure:"jsonLimit" yaml:"jsonLimit"`
	RequireProvenance  bool            `mapstructure:"requireProvenance" yaml:"requireProvenance"`
	ProvenanceKeys     []ProvenanceKey `mapstructure:"provenanceKeys" yaml:"provenanceKeys"`
	Retry              RetryConfig     `mapstructure:"retryConfig" yaml:"retryConfig"`
	GraphAllowCycles   bool            `mapstructure:"graphAllowCycles" yaml:"graphAllowCycles"`
	GraphSkipMissing   bool            `mapstructure:"graphSkipMissingEdges" yaml:"graphSkipMissingEdges"`
	EventLogSkipOnScan bool            `mapstructure:"eventLogSkipCorrupt" yaml:"eventLogSkipCorrupt"`
}

// Default returns a Config with every non-required field at its spec
// default. Callers still must supply APIKey, BaseDir and DBPath.
func Default() Config {
	return Config{
		Address:   ":8080",
		RateLimit: DefaultRateLimitConfig(),
		JSONLimit: 1 << 20, // 1 MiB
		Retry:     DefaultRetryConfig(),
	}
}

// Validate enforces the startup invariant from §6.3/§6.4: the server
// refuses to start without an API key.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("apiKey is required: server refuses to start without one")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("baseDir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	return nil
}
