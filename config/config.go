package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon's runtime settings.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	VaultAddress    string `toml:"VaultAddress"`
	ExecutorAddress string `toml:"ExecutorAddress"`
	FeeCollector    string `toml:"FeeCollector"`

	FeeBps      uint32 `toml:"FeeBps"`
	SlippageBps uint32 `toml:"SlippageBps"`
	GasPrice    int64  `toml:"GasPrice"`

	ReferenceLiquidity    int64 `toml:"ReferenceLiquidity"`
	LargeDepositThreshold int64 `toml:"LargeDepositThreshold"`
}

// Load loads the configuration from the given path, writing defaults when the
// file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./dustfold-data"
	}
	if c.ReferenceLiquidity <= 0 {
		c.ReferenceLiquidity = 10_000
	}
	if c.LargeDepositThreshold <= 0 {
		c.LargeDepositThreshold = 1_000
	}
}

// Validate checks the address fields and fee bounds.
func (c *Config) Validate() error {
	if c.FeeBps > 1000 {
		return fmt.Errorf("config: FeeBps %d above maximum 1000", c.FeeBps)
	}
	if c.SlippageBps > 5000 {
		return fmt.Errorf("config: SlippageBps %d above maximum 5000", c.SlippageBps)
	}
	if c.GasPrice < 0 {
		return fmt.Errorf("config: GasPrice must not be negative")
	}
	for field, value := range map[string]string{
		"VaultAddress":    c.VaultAddress,
		"ExecutorAddress": c.ExecutorAddress,
		"FeeCollector":    c.FeeCollector,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := ParseAddress(value); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address, with or without an 0x prefix.
func ParseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address %q: %w", value, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("address %q must be 20 bytes, got %d", value, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:         ":8080",
		DataDir:               "./dustfold-data",
		Environment:           "local",
		FeeBps:                30,
		SlippageBps:           100,
		GasPrice:              25,
		ReferenceLiquidity:    10_000,
		LargeDepositThreshold: 1_000,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
