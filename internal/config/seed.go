package config

import (
	"fmt"
	"os"

	"github.com/efreitasn/stockreserve/internal/domain"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of STOCK_SEED_FILE:
//
//	stock:
//	  - sku_id: TSHIRT
//	    variant_id: red-m
//	    total_stock: 40
type seedFile struct {
	Stock []seedEntry `yaml:"stock"`
}

type seedEntry struct {
	SKUID      string `yaml:"sku_id"`
	VariantID  string `yaml:"variant_id"`
	TotalStock int64  `yaml:"total_stock"`
}

// LoadSeed reads the initial ledger totals from a YAML file.
func LoadSeed(path string) ([]domain.StockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML. Keys must be unique and totals
// non-negative.
func ParseSeed(data []byte) ([]domain.StockRecord, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	seen := make(map[domain.StockKey]bool, len(f.Stock))
	records := make([]domain.StockRecord, 0, len(f.Stock))
	for i, e := range f.Stock {
		key := domain.StockKey{SKU: e.SKUID, Variant: e.VariantID}
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if e.TotalStock < 0 {
			return nil, fmt.Errorf("seed entry %d (%s): total_stock must be >= 0", i, key)
		}
		if seen[key] {
			return nil, fmt.Errorf("seed entry %d: duplicate key %s", i, key)
		}
		seen[key] = true
		records = append(records, domain.StockRecord{Key: key, TotalStock: e.TotalStock})
	}
	return records, nil
}
