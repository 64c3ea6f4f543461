package vast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoOffer is returned when no offer satisfies the preference and budget.
// Market conditions rarely change within seconds, so this is reported to the
// caller instead of being retried.
var ErrNoOffer = errors.New("no offer available within budget")

// Preference narrows offer selection to a GPU model and a price ceiling.
type Preference struct {
	GPUName  string
	MaxPrice float64
}

// Searcher is the slice of the marketplace client the selector needs.
type Searcher interface {
	SearchOffers(ctx context.Context, query SearchQuery) ([]Offer, error)
}

// gpuClasses maps a preferred GPU model to broader fallback models that are
// acceptable when the exact model has no offers on the market.
var gpuClasses = map[string][]string{
	"RTX_3090":  {"RTX_3090_Ti", "RTX_4090"},
	"RTX_4090":  {"RTX_4090D", "RTX_5090"},
	"RTX_A6000": {"A40", "A100"},
	"A100":      {"A100_SXM4", "A100_PCIE", "H100"},
}

// Selector picks the cheapest eligible offer for a preference.
type Selector struct {
	market Searcher

	// Qualifiers applied to every search. Defaults follow NewSelector.
	MinReliability float64
	MinDLPerf      float64
}

// NewSelector returns a selector with the standard quality qualifiers:
// verified machines with reliability above 0.95 and a minimal DLPerf score.
func NewSelector(market Searcher) *Selector {
	return &Selector{
		market:         market,
		MinReliability: 0.95,
		MinDLPerf:      10,
	}
}

// Select fetches offers for the preferred GPU model (falling back to the
// model's broader class when the exact model yields nothing), filters to the
// price ceiling, and returns the cheapest. Ties break toward larger disk,
// then faster downlink, then lowest id for determinism.
func (s *Selector) Select(ctx context.Context, pref Preference) (Offer, error) {
	if pref.GPUName == "" {
		return Offer{}, fmt.Errorf("gpu preference is required")
	}

	offers, err := s.search(ctx, pref.GPUName)
	if err != nil {
		return Offer{}, err
	}

	eligible := filterOffers(offers, pref.GPUName, pref.MaxPrice)
	if len(eligible) == 0 {
		for _, fallback := range gpuClasses[canonicalGPU(pref.GPUName)] {
			offers, err = s.search(ctx, fallback)
			if err != nil {
				return Offer{}, err
			}
			eligible = filterOffers(offers, fallback, pref.MaxPrice)
			if len(eligible) > 0 {
				break
			}
		}
	}
	if len(eligible) == 0 {
		return Offer{}, fmt.Errorf("%w: %s at $%.2f/hr", ErrNoOffer, pref.GPUName, pref.MaxPrice)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.PricePerHour != b.PricePerHour {
			return a.PricePerHour < b.PricePerHour
		}
		if a.DiskGB != b.DiskGB {
			return a.DiskGB > b.DiskGB
		}
		if a.InetDown != b.InetDown {
			return a.InetDown > b.InetDown
		}
		return a.ID < b.ID
	})

	return eligible[0], nil
}

func (s *Selector) search(ctx context.Context, gpuName string) ([]Offer, error) {
	return s.market.SearchOffers(ctx, SearchQuery{
		GPUName:        canonicalGPU(gpuName),
		MinReliability: s.MinReliability,
		MinDLPerf:      s.MinDLPerf,
		VerifiedOnly:   true,
		UnrentedOnly:   true,
	})
}

func filterOffers(offers []Offer, gpuName string, maxPrice float64) []Offer {
	var out []Offer
	for _, o := range offers {
		if o.Rented {
			continue
		}
		if !gpuMatches(o.GPUName, gpuName) {
			continue
		}
		if maxPrice > 0 && o.PricePerHour > maxPrice {
			continue
		}
		out = append(out, o)
	}
	return out
}

// gpuMatches compares GPU model names case-insensitively, tolerating the
// space-vs-underscore difference between search queries and offer records.
func gpuMatches(offerName, wanted string) bool {
	return strings.EqualFold(canonicalGPU(offerName), canonicalGPU(wanted))
}

func canonicalGPU(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}
