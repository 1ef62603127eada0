// Package catalog derives every account configuration a client could hold.
package catalog

import (
	"sort"

	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/display"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/observability"
)

// Companies maps market to sub-account type to landing company shortcode.
type Companies map[account.Market]map[account.SubType]string

// FromLandingCompany extracts the MT5 company groups. Unknown sub-account types are dropped.
func FromLandingCompany(lc schema.LandingCompany) Companies {
	out := make(Companies, 2)
	for _, market := range []account.Market{account.Gaming, account.Financial} {
		group := lc.Group(market)
		if len(group) == 0 {
			continue
		}
		subs := make(map[account.SubType]string, len(group))
		for raw, entry := range group {
			sub, ok := account.ParseSubType(raw)
			if !ok {
				observability.Log().Debug("catalog: unknown sub-account type",
					observability.Field{Key: "market", Value: string(market)},
					observability.Field{Key: "sub_account_type", Value: raw})
				continue
			}
			subs[sub] = entry.Shortcode
		}
		out[market] = subs
	}
	return out
}

// Config tunes catalog generation.
type Config struct {
	// ExcludeSubTypes lists sub-account types that are never offered.
	ExcludeSubTypes []account.SubType
}

// DefaultConfig excludes swap-free accounts, which are not released.
func DefaultConfig() Config {
	return Config{ExcludeSubTypes: []account.SubType{account.SubSwapFree}}
}

// Builder emits archetypes from landing company metadata and the server snapshot.
type Builder struct {
	exclude map[account.SubType]struct{}
}

// NewBuilder constructs a builder.
func NewBuilder(cfg Config) *Builder {
	exclude := make(map[account.SubType]struct{}, len(cfg.ExcludeSubTypes))
	for _, sub := range cfg.ExcludeSubTypes {
		exclude[sub] = struct{}{}
	}
	return &Builder{exclude: exclude}
}

// Build returns the catalog in canonical key order. Real types with more than one eligible server fan
// out into one archetype per server; everything else yields a single archetype without a server.
func (b *Builder) Build(companies Companies, servers account.Servers) []account.Archetype {
	var out []account.Archetype
	for _, market := range []account.Market{account.Gaming, account.Financial} {
		subs := companies[market]
		ordered := make([]account.SubType, 0, len(subs))
		for sub := range subs {
			if _, skip := b.exclude[sub]; skip {
				continue
			}
			ordered = append(ordered, sub)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

		for _, sub := range ordered {
			shortcode := subs[sub]
			eligible := servers.Eligible(market, sub)
			for _, ownership := range account.Ownerships {
				key := account.NewKey(ownership, market, sub)
				if ownership == account.Real && len(eligible) > 1 {
					for _, server := range eligible {
						out = append(out, archetype(key.WithServer(server.ID), shortcode))
					}
					continue
				}
				out = append(out, archetype(key, shortcode))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

func archetype(key account.Key, shortcode string) account.Archetype {
	return account.Archetype{
		Key:                 key,
		LandingCompanyShort: shortcode,
		Leverage:            account.Leverage(key.Market, key.SubType, shortcode),
		Titles:              display.Titles(key),
	}
}
