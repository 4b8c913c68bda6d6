package rpc

import (
	"context"
	"fmt"
	"time"

	"dexflow/internal/codec"
	"dexflow/internal/models"
	"dexflow/logger"
)

// ResolveMarkets fills in the accounts, lot sizes and mints of markets that
// only name their market address. Decimals are read from the mints when both
// are zero. Already resolved markets are returned unchanged.
func ResolveMarkets(ctx context.Context, f AccountFetcher, markets []models.Market) ([]models.Market, error) {
	log := logger.GetLogger().WithComponent("market_resolver")
	out := make([]models.Market, len(markets))
	copy(out, markets)

	var pending []int
	var addrs []string
	for i, m := range out {
		if m.Resolved() && (m.BaseDecimals != 0 || m.QuoteDecimals != 0 || m.Address == "") {
			continue
		}
		if m.Address == "" {
			return nil, fmt.Errorf("market %s: market_address is required to resolve accounts", m.ID)
		}
		pending = append(pending, i)
		addrs = append(addrs, m.Address)
	}
	if len(pending) == 0 {
		return out, nil
	}

	accounts, _, err := f.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("fetch market accounts: %w", err)
	}

	var mintAddrs []string
	for n, i := range pending {
		m := &out[i]
		acct := accounts[n]
		if !acct.Exists {
			return nil, fmt.Errorf("market %s: account %s not found", m.ID, m.Address)
		}
		state, err := codec.DecodeMarketState(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.ID, err)
		}
		if own := state.OwnAddress.String(); own != m.Address {
			return nil, fmt.Errorf("market %s: account reports own address %s", m.ID, own)
		}
		fillString(&m.Bids, state.Bids.String())
		fillString(&m.Asks, state.Asks.String())
		fillString(&m.EventQueue, state.EventQueue.String())
		fillString(&m.BaseMint, state.BaseMint.String())
		fillString(&m.QuoteMint, state.QuoteMint.String())
		if m.BaseLotSize == 0 {
			m.BaseLotSize = state.BaseLotSize
		}
		if m.QuoteLotSize == 0 {
			m.QuoteLotSize = state.QuoteLotSize
		}
		if m.BaseDecimals == 0 && m.QuoteDecimals == 0 {
			mintAddrs = append(mintAddrs, m.BaseMint, m.QuoteMint)
		}
	}

	if len(mintAddrs) > 0 {
		if err := resolveDecimals(ctx, f, out, mintAddrs); err != nil {
			return nil, err
		}
	}

	for _, i := range pending {
		m := out[i]
		log.WithFields(logger.Fields{
			"market":         m.ID,
			"bids":           m.Bids,
			"asks":           m.Asks,
			"event_queue":    m.EventQueue,
			"base_decimals":  m.BaseDecimals,
			"quote_decimals": m.QuoteDecimals,
		}).Info("resolved market accounts")
	}
	return out, nil
}

func resolveDecimals(ctx context.Context, f AccountFetcher, markets []models.Market, mintAddrs []string) error {
	accounts, _, err := f.GetMultipleAccounts(ctx, mintAddrs)
	if err != nil {
		return fmt.Errorf("fetch mint accounts: %w", err)
	}
	decimals := make(map[string]uint8, len(accounts))
	for _, a := range accounts {
		if !a.Exists {
			return fmt.Errorf("mint %s not found", a.Address)
		}
		d, err := codec.DecodeMintDecimals(a.Data)
		if err != nil {
			return fmt.Errorf("mint %s: %w", a.Address, err)
		}
		decimals[a.Address] = d
	}
	for i := range markets {
		m := &markets[i]
		if m.BaseDecimals != 0 || m.QuoteDecimals != 0 {
			continue
		}
		if d, ok := decimals[m.BaseMint]; ok {
			m.BaseDecimals = d
		}
		if d, ok := decimals[m.QuoteMint]; ok {
			m.QuoteDecimals = d
		}
	}
	return nil
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// SeedBooks reads the current bid and ask accounts of every market so the
// first published book of each side is a full snapshot.
func SeedBooks(ctx context.Context, f AccountFetcher, markets []models.Market) ([]models.RawAccountUpdate, error) {
	type ref struct {
		market string
		role   models.AccountRole
	}
	var addrs []string
	var refs []ref
	for _, m := range markets {
		for _, role := range []models.AccountRole{models.RoleBids, models.RoleAsks} {
			addrs = append(addrs, m.Addresses()[role])
			refs = append(refs, ref{market: m.ID, role: role})
		}
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	accounts, slot, err := f.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("fetch order book accounts: %w", err)
	}

	now := time.Now().UTC()
	out := make([]models.RawAccountUpdate, 0, len(accounts))
	for i, a := range accounts {
		if !a.Exists {
			logger.GetLogger().WithComponent("market_resolver").WithFields(logger.Fields{
				"market":  refs[i].market,
				"role":    string(refs[i].role),
				"address": a.Address,
			}).Warn("order book account missing; not seeded")
			continue
		}
		out = append(out, models.RawAccountUpdate{
			Address:    a.Address,
			MarketID:   refs[i].market,
			Role:       refs[i].role,
			Data:       a.Data,
			Slot:       slot,
			ReceivedAt: now,
		})
	}
	return out, nil
}
