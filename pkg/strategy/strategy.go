// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package strategy computes bid amounts and selects creatives. It is pure:
// no broker, no directory, and a replaceable clock, so every pricing path is
// testable in isolation.
package strategy

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/campaign"
)

// Business-hours window for the dynamic strategy, inclusive local hours.
const (
	businessHourStart = 9
	businessHourEnd   = 17
)

var (
	businessHourMultiplier  = decimal.NewFromFloat(1.1)
	premiumDomainMultiplier = decimal.NewFromFloat(1.15)
)

// defaultPremiumDomains are publishers that command a dynamic-strategy
// premium.
var defaultPremiumDomains = []string{
	"cnn.com",
	"nytimes.com",
	"espn.com",
	"bbc.com",
	"forbes.com",
}

// slotFormats maps an ad-slot type to the creative formats allowed in it.
// Unknown slot types accept every format.
var slotFormats = map[string][]string{
	"video_pre_roll":  {"video"},
	"video_mid_roll":  {"video"},
	"video_post_roll": {"video"},
	"banner_top":      {"banner"},
	"banner_side":     {"banner"},
	"banner_bottom":   {"banner"},
	"native_feed":     {"native", "banner"},
	"interstitial":    {"banner", "video"},
}

// Engine computes bid amounts under a campaign's pricing strategy.
type Engine struct {
	// Now supplies local time for the business-hours multiplier. Nil means
	// time.Now.
	Now func() time.Time

	// PremiumDomains overrides the default premium publisher list when
	// non-nil.
	PremiumDomains []string
}

// NewEngine returns an engine with the default clock and premium list.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) premiumDomains() []string {
	if e.PremiumDomains != nil {
		return e.PremiumDomains
	}
	return defaultPremiumDomains
}

// CalculateBid returns the bid amount for the campaign on the given request,
// or false if the strategy declines to bid. Any computed amount below the
// floor price is rejected.
func (e *Engine) CalculateBid(c *campaign.Campaign, req *bidding.BidRequest) (decimal.Decimal, bool) {
	floor := decimal.NewFromFloat(req.FloorPrice)
	maxBid := decimal.NewFromFloat(c.MaxBid)
	remaining := decimal.NewFromFloat(c.RemainingBudget())

	var amount decimal.Decimal

	switch c.BidStrategy {
	case campaign.StrategyHighest:
		amount = e.highestBid(floor, maxBid, remaining)

	case campaign.StrategyDynamic:
		amount = e.highestBid(floor, maxBid, remaining)
		hour := e.now().Hour()
		if hour >= businessHourStart && hour <= businessHourEnd {
			amount = amount.Mul(businessHourMultiplier)
		}
		if e.isPremiumPublisher(req.PublisherID) {
			amount = amount.Mul(premiumDomainMultiplier)
		}
		amount = decimal.Min(amount, maxBid)

	case campaign.StrategyTargetCPM:
		amount = floor.Mul(decimal.NewFromFloat(1.2))
		if c.AvgCTR != nil {
			scale := decimal.NewFromInt(1).Add(decimal.NewFromFloat(*c.AvgCTR).Div(decimal.NewFromFloat(0.05)))
			amount = amount.Mul(decimal.Min(scale, decimal.NewFromFloat(1.5)))
		}
		amount = decimal.Min(amount, maxBid)

	case campaign.StrategySecondPrice:
		amount = decimal.Min(floor.Mul(decimal.NewFromFloat(1.1)), maxBid)

	default:
		amount = e.highestBid(floor, maxBid, remaining)
	}

	if amount.LessThan(floor) {
		return decimal.Zero, false
	}
	return amount, true
}

// highestBid is floor*1.01 clamped by max bid and remaining budget,
// whichever binds first.
func (e *Engine) highestBid(floor, maxBid, remaining decimal.Decimal) decimal.Decimal {
	cap := decimal.Min(maxBid, remaining)
	return decimal.Min(floor.Mul(decimal.NewFromFloat(1.01)), cap)
}

func (e *Engine) isPremiumPublisher(publisherID string) bool {
	for _, domain := range e.premiumDomains() {
		if strings.Contains(publisherID, domain) {
			return true
		}
	}
	return false
}

// SelectCreative picks the campaign's creative for the ad-slot type:
// creatives are filtered to the formats the slot allows, falling back to the
// full list when the filter leaves nothing, then the highest CTR wins with
// the first element breaking ties. Returns nil only when the campaign has no
// creatives at all.
func SelectCreative(c *campaign.Campaign, adSlotType string) *campaign.Creative {
	if len(c.Creatives) == 0 {
		return nil
	}

	candidates := c.Creatives
	if allowed, ok := slotFormats[adSlotType]; ok {
		filtered := make([]campaign.Creative, 0, len(c.Creatives))
		for _, cr := range c.Creatives {
			for _, format := range allowed {
				if cr.Format == format {
					filtered = append(filtered, cr)
					break
				}
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if creativeCTR(&candidates[i]) > creativeCTR(&candidates[best]) {
			best = i
		}
	}
	return &candidates[best]
}

// HasCreativeForSlot reports whether any of the campaign's creatives carries
// a format allowed in the slot type. Used as a cheap pre-filter before the
// full targeting walk.
func HasCreativeForSlot(c *campaign.Campaign, adSlotType string) bool {
	if len(c.Creatives) == 0 {
		return false
	}
	allowed, ok := slotFormats[adSlotType]
	if !ok {
		return true
	}
	for _, cr := range c.Creatives {
		for _, format := range allowed {
			if cr.Format == format {
				return true
			}
		}
	}
	return false
}

func creativeCTR(cr *campaign.Creative) float64 {
	if cr.CTR == nil {
		return 0
	}
	return *cr.CTR
}

// RoundAmount rounds a bid amount to 4 decimal places, the precision of the
// response wire format.
func RoundAmount(amount decimal.Decimal) float64 {
	f, _ := amount.Round(4).Float64()
	return f
}
