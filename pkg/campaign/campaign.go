// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"slices"
	"strings"
	"time"
)

// BidStrategy selects the pricing formula applied to a campaign's bids.
type BidStrategy string

const (
	StrategyHighest     BidStrategy = "highest"
	StrategyDynamic     BidStrategy = "dynamic"
	StrategyTargetCPM   BidStrategy = "target_cpm"
	StrategySecondPrice BidStrategy = "second_price"
)

// Campaign statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
	StatusEnded  = "ended"
)

// DefaultCategory groups campaigns that declare no category of their own.
const DefaultCategory = "uncategorized"

// Campaign represents an advertiser's campaign as served by the directory.
// Budgets and bids are in currency units (e.g. dollars).
type Campaign struct {
	ID           string      `json:"id"`
	AdvertiserID string      `json:"advertiserId"`
	Name         string      `json:"name"`
	TotalBudget  float64     `json:"totalBudget"`
	DailyBudget  float64     `json:"dailyBudget,omitempty"`
	SpentAmount  float64     `json:"spentAmount"`
	MaxBid       float64     `json:"maxBid"`
	BidStrategy  BidStrategy `json:"bidStrategy"`
	Targeting    Targeting   `json:"targeting"`
	Status       string      `json:"status"`
	Category     string      `json:"category"`
	StartDate    time.Time   `json:"startDate"`
	EndDate      time.Time   `json:"endDate"`
	Creatives    []Creative  `json:"creatives"`
	AvgCTR       *float64    `json:"avgCtr,omitempty"`
}

// Creative is an individual advertisement belonging to a campaign.
type Creative struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaignId"`
	Format      string            `json:"format"` // banner, video, native
	Assets      map[string]string `json:"assets,omitempty"`
	LandingURL  string            `json:"landingUrl"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	Reviewed    bool              `json:"reviewed"`
	Active      bool              `json:"active"`
	Impressions uint64            `json:"impressions"`
	Clicks      uint64            `json:"clicks"`
	CTR         *float64          `json:"ctr,omitempty"`
}

// Targeting describes the inclusion filters a campaign may declare. An empty
// set matches everything for that dimension.
type Targeting struct {
	Publishers       []string       `json:"publishers,omitempty"`
	AdSlots          []string       `json:"adSlots,omitempty"`
	Geos             []string       `json:"geos,omitempty"`
	Devices          []string       `json:"devices,omitempty"`
	OperatingSystems []string       `json:"operatingSystems,omitempty"`
	Browsers         []string       `json:"browsers,omitempty"`
	ActiveHours      []int          `json:"activeHours,omitempty"`
	ActiveDays       []time.Weekday `json:"activeDays,omitempty"`
}

// RemainingBudget returns the unspent share of the total budget.
func (c *Campaign) RemainingBudget() float64 {
	return c.TotalBudget - c.SpentAmount
}

// BidEligible reports whether the campaign may bid at all: active status,
// remaining budget, and inside its date window.
func (c *Campaign) BidEligible(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if c.RemainingBudget() <= 0 {
		return false
	}
	if now.Before(c.StartDate) || now.After(c.EndDate) {
		return false
	}
	return true
}

// CategoryOrDefault returns the campaign's category, falling back to
// DefaultCategory when unset.
func (c *Campaign) CategoryOrDefault() string {
	if c.Category == "" {
		return DefaultCategory
	}
	return c.Category
}

// MatchesPublisher reports whether the publisher passes the campaign's
// publisher targeting. Patterns match by substring; "*" matches everything.
func (t *Targeting) MatchesPublisher(publisherID string) bool {
	if len(t.Publishers) == 0 {
		return true
	}
	for _, p := range t.Publishers {
		if p == "*" || strings.Contains(publisherID, p) {
			return true
		}
	}
	return false
}

// MatchesAdSlot reports whether the ad slot id is in the targeted set.
func (t *Targeting) MatchesAdSlot(adSlotID string) bool {
	return len(t.AdSlots) == 0 || slices.Contains(t.AdSlots, adSlotID)
}

// MatchesGeo reports whether the country passes geo targeting.
func (t *Targeting) MatchesGeo(countryCode string) bool {
	return len(t.Geos) == 0 || slices.Contains(t.Geos, countryCode)
}

// MatchesDevice reports whether the device type passes device targeting.
func (t *Targeting) MatchesDevice(device string) bool {
	return len(t.Devices) == 0 || slices.Contains(t.Devices, device)
}

// MatchesOS reports whether the operating system passes OS targeting.
func (t *Targeting) MatchesOS(os string) bool {
	return len(t.OperatingSystems) == 0 || slices.Contains(t.OperatingSystems, os)
}

// MatchesBrowser reports whether the browser passes browser targeting.
func (t *Targeting) MatchesBrowser(browser string) bool {
	return len(t.Browsers) == 0 || slices.Contains(t.Browsers, browser)
}

// ScheduleActive reports whether now falls inside the campaign's active
// hours and days. Empty sets mean always on.
func (t *Targeting) ScheduleActive(now time.Time) bool {
	if len(t.ActiveHours) > 0 && !slices.Contains(t.ActiveHours, now.Hour()) {
		return false
	}
	if len(t.ActiveDays) > 0 && !slices.Contains(t.ActiveDays, now.Weekday()) {
		return false
	}
	return true
}

// GroupByCategory buckets campaigns by category, applying DefaultCategory
// to campaigns without one.
func GroupByCategory(campaigns []Campaign) map[string][]Campaign {
	grouped := make(map[string][]Campaign)
	for _, c := range campaigns {
		key := c.CategoryOrDefault()
		grouped[key] = append(grouped[key], c)
	}
	return grouped
}
