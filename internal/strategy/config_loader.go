package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedFile is the top-level structure of a YAML strategy seed.
//
//	strategies:
//	  - name: dual_ma_btc
//	    symbol: BTC/USDT
//	    interval: 15min
//	    exchange: MEXC
//	    mode: Paper
//	    file_path: strategies/strategy_dual_ma.py
//	    parameters: {ma_short: 10, ma_long: 20}
type SeedFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadSeed reads strategy records from a YAML file. Records without a name or
// symbol are rejected; a missing exchange defaults to MEXC.
func LoadSeed(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range file.Strategies {
		cfg := &file.Strategies[i]
		cfg.Name = strings.TrimSpace(cfg.Name)
		cfg.Symbol = strings.TrimSpace(cfg.Symbol)
		if cfg.Name == "" || cfg.Symbol == "" {
			return nil, fmt.Errorf("strategy %d in %s: name and symbol are required", i, path)
		}
		if cfg.Mode == "" {
			cfg.Mode = ModeDisabled
		}
		if cfg.Exchange == "" {
			cfg.Exchange = DefaultExchange
		}
		if cfg.Parameters == nil {
			cfg.Parameters = map[string]any{}
		}
	}
	return file.Strategies, nil
}

// DefaultExchange is used when a record names no exchange.
const DefaultExchange = "MEXC"
