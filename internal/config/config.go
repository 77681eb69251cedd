package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version     int         `yaml:"version"`
	Source      Endpoint    `yaml:"source"`
	Destination Destination `yaml:"destination"`
	Contract    string      `yaml:"contract"`
	Event       EventSpec   `yaml:"event"`
	Relay       RelaySpec   `yaml:"relay"`
	Scan        ScanSpec    `yaml:"scan"`
	StatePath   string      `yaml:"state_path"`
	JournalPath string      `yaml:"journal_path"`
	Notify      *Notify     `yaml:"notify,omitempty"`
}

// Endpoint identifies an RPC endpoint for one chain.
type Endpoint struct {
	RPCURL string `yaml:"rpc_url"`
}

// Destination extends Endpoint with the submission-side settings.
type Destination struct {
	RPCURL     string `yaml:"rpc_url"`
	Bridge     string `yaml:"bridge"`
	PrivateKey string `yaml:"private_key"`
}

// FieldSpec names one event parameter and its ABI type.
type FieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// EventSpec describes the watched event: indexed params live in topics,
// data params in the log payload.
type EventSpec struct {
	Name    string      `yaml:"name"`
	ABIFile string      `yaml:"abi_file"`
	Indexed []FieldSpec `yaml:"indexed"`
	Data    []FieldSpec `yaml:"data"`
}

// RelaySpec maps decoded fields onto the destination release call.
type RelaySpec struct {
	RecipientField string `yaml:"recipient_field"`
	TokenField     string `yaml:"token_field"`
	AmountField    string `yaml:"amount_field"`
	MaxAttempts    int    `yaml:"max_attempts"`
	DryRun         bool   `yaml:"dry_run"`
}

// ScanSpec controls the polling window.
type ScanSpec struct {
	PollingIntervalSeconds int    `yaml:"polling_interval_seconds"`
	BatchSize              uint64 `yaml:"batch_size"`
	ConfirmationDepth      uint64 `yaml:"confirmation_depth"`
	DedupCapacity          int    `yaml:"dedup_capacity"`
	MaxBackoffSeconds      int    `yaml:"max_backoff_seconds"`
}

// Notify configures an optional webhook fired when a relay exhausts its retry budget.
type Notify struct {
	URL      string `yaml:"url"`
	Method   string `yaml:"method"`
	Template string `yaml:"template"`
}

// Defaults applied when the corresponding option is absent.
const (
	DefaultPollingInterval   = 10 * time.Second
	DefaultBatchSize         = uint64(100)
	DefaultConfirmationDepth = uint64(6)
	DefaultDedupCapacity     = 10000
	DefaultMaxAttempts       = 5
	DefaultMaxBackoff        = 300 * time.Second
	DefaultStatePath         = "state.json"
	DefaultJournalPath       = "relay.db"
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Scan.PollingIntervalSeconds == 0 {
		c.Scan.PollingIntervalSeconds = int(DefaultPollingInterval / time.Second)
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = DefaultBatchSize
	}
	if c.Scan.ConfirmationDepth == 0 {
		c.Scan.ConfirmationDepth = DefaultConfirmationDepth
	}
	if c.Scan.DedupCapacity == 0 {
		c.Scan.DedupCapacity = DefaultDedupCapacity
	}
	if c.Scan.MaxBackoffSeconds == 0 {
		c.Scan.MaxBackoffSeconds = int(DefaultMaxBackoff / time.Second)
	}
	if c.Relay.MaxAttempts == 0 {
		c.Relay.MaxAttempts = DefaultMaxAttempts
	}
	if c.Relay.RecipientField == "" {
		c.Relay.RecipientField = "user"
	}
	if c.Relay.TokenField == "" {
		c.Relay.TokenField = "token"
	}
	if c.Relay.AmountField == "" {
		c.Relay.AmountField = "amount"
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.JournalPath == "" {
		c.JournalPath = DefaultJournalPath
	}
}

// PollingInterval returns the tick period as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Scan.PollingIntervalSeconds) * time.Second
}

// MaxBackoff returns the backoff ceiling as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Scan.MaxBackoffSeconds) * time.Second
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Source.RPCURL == "" {
		return errors.New("source.rpc_url is required")
	}
	if c.Destination.RPCURL == "" {
		return errors.New("destination.rpc_url is required")
	}
	if c.Contract == "" {
		return errors.New("contract is required")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract %q is not a hex address", c.Contract)
	}
	if c.Destination.Bridge != "" && !common.IsHexAddress(c.Destination.Bridge) {
		return fmt.Errorf("destination.bridge %q is not a hex address", c.Destination.Bridge)
	}
	if err := c.Event.Validate(); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	if c.Notify != nil {
		if c.Notify.URL == "" {
			return errors.New("notify.url is required when notify is set")
		}
		if c.Notify.Method == "" {
			c.Notify.Method = "POST"
		}
	}
	return nil
}

func (e *EventSpec) Validate() error {
	if e.ABIFile != "" {
		if e.Name == "" {
			return errors.New("name is required when abi_file is set")
		}
		return nil
	}
	if e.Name == "" {
		return errors.New("name is required")
	}
	for _, f := range append(append([]FieldSpec{}, e.Indexed...), e.Data...) {
		if f.Name == "" || f.Type == "" {
			return errors.New("every field needs a name and a type")
		}
	}
	if len(e.Indexed)+len(e.Data) == 0 {
		return errors.New("at least one field is required")
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
