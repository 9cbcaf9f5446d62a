// Package paddle holds the Paddle Billing wire types the clinic exchanges
// with the hosted checkout and its notification webhooks.
package paddle

import (
	"fmt"
	"sort"
)

// PriceCatalog maps bill item types to Paddle price identifiers.
type PriceCatalog struct {
	prices map[string]string
}

func NewPriceCatalog(prices map[string]string) *PriceCatalog {
	cp := make(map[string]string, len(prices))
	for k, v := range prices {
		if v != "" {
			cp[k] = v
		}
	}
	return &PriceCatalog{prices: cp}
}

// PriceID returns the configured price for itemType.
func (pc *PriceCatalog) PriceID(itemType string) (string, error) {
	id, ok := pc.prices[itemType]
	if !ok {
		return "", fmt.Errorf("no Paddle price configured for item type %q", itemType)
	}
	return id, nil
}

// ItemTypes lists the item types that have a price, sorted.
func (pc *PriceCatalog) ItemTypes() []string {
	types := make([]string, 0, len(pc.prices))
	for t := range pc.prices {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
