package domain

import "regexp"

var stockIDRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// StockKey identifies a unit tracked for stock: a SKU plus an optional
// variant. The empty variant is a key of its own.
type StockKey struct {
	SKU     string
	Variant string
}

// String renders the key as "sku" or "sku/variant".
func (k StockKey) String() string {
	if k.Variant == "" {
		return k.SKU
	}
	return k.SKU + "/" + k.Variant
}

// Validate checks the SKU and variant identifiers.
func (k StockKey) Validate() error {
	if !stockIDRegex.MatchString(k.SKU) {
		return &ValidationError{Message: "sku_id must match ^[A-Za-z0-9._-]{1,64}$"}
	}
	if k.Variant != "" && !stockIDRegex.MatchString(k.Variant) {
		return &ValidationError{Message: "variant_id must match ^[A-Za-z0-9._-]{1,64}$"}
	}
	return nil
}

// StockRecord is the ledger's total for a single key.
type StockRecord struct {
	Key        StockKey
	TotalStock int64
}
