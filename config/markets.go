package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dexflow/internal/codec"
	"dexflow/internal/models"
)

// MarketRegistry is the set of markets to ingest.
type MarketRegistry struct {
	Markets []models.Market `yaml:"markets"`
}

// LoadMarkets loads the market registry from path. An empty path selects the
// default registry, or its environment specific variant when present.
func LoadMarkets(path string) (*MarketRegistry, error) {
	path = resolveEnvSpecificPath(path, DefaultMarketsPath, envMarketsPaths())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	var reg MarketRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	if len(reg.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s lists no markets", path)
	}
	return &reg, nil
}

// Validate checks ids and addresses. Unless allowUnresolved is set every
// market must carry its book and event queue accounts and lot sizes.
func (r *MarketRegistry) Validate(allowUnresolved bool) error {
	ids := make(map[string]struct{}, len(r.Markets))
	owners := make(map[string]string, len(r.Markets)*3)

	for i, m := range r.Markets {
		if m.ID == "" {
			return fmt.Errorf("markets[%d]: id is required", i)
		}
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("markets[%d]: duplicate id %s", i, m.ID)
		}
		ids[m.ID] = struct{}{}

		if !m.Resolved() {
			if !allowUnresolved {
				return fmt.Errorf("market %s: bids, asks, event_queue and lot sizes are required", m.ID)
			}
			if m.Address == "" {
				return fmt.Errorf("market %s: market_address is required to resolve accounts", m.ID)
			}
		}

		addrs := []string{m.Address}
		for _, a := range m.Addresses() {
			addrs = append(addrs, a)
		}
		for _, a := range addrs {
			if a == "" {
				continue
			}
			if _, err := codec.ParsePublicKey(a); err != nil {
				return fmt.Errorf("market %s: %w", m.ID, err)
			}
			if prev, taken := owners[a]; taken && prev != m.ID {
				return fmt.Errorf("market %s: address %s already used by %s", m.ID, a, prev)
			}
			owners[a] = m.ID
		}
	}
	return nil
}

// IDs returns the market ids in registry order.
func (r *MarketRegistry) IDs() []string {
	out := make([]string, len(r.Markets))
	for i, m := range r.Markets {
		out[i] = m.ID
	}
	return out
}
