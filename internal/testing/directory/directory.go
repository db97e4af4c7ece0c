// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package directory provides an in-memory campaign.Directory for tests.
package directory

import (
	"context"
	"sync"

	"github.com/luxfi/bidfleet/pkg/campaign"
)

// MemoryDirectory implements campaign.Directory over a fixed slice.
type MemoryDirectory struct {
	mu        sync.Mutex
	campaigns []campaign.Campaign
	err       error
}

// New creates a directory seeded with the given campaigns.
func New(campaigns ...campaign.Campaign) *MemoryDirectory {
	return &MemoryDirectory{campaigns: campaigns}
}

// Set replaces the campaign set.
func (d *MemoryDirectory) Set(campaigns ...campaign.Campaign) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.campaigns = campaigns
}

// SetError makes subsequent lookups fail with err.
func (d *MemoryDirectory) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// GetActiveCampaigns returns the stored campaigns, optionally filtered by
// advertiser.
func (d *MemoryDirectory) GetActiveCampaigns(_ context.Context, advertiserID string) ([]campaign.Campaign, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]campaign.Campaign, 0, len(d.campaigns))
	for _, c := range d.campaigns {
		if advertiserID != "" && c.AdvertiserID != advertiserID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetCampaignsByCategory returns the stored campaigns in the category.
func (d *MemoryDirectory) GetCampaignsByCategory(_ context.Context, category string) ([]campaign.Campaign, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]campaign.Campaign, 0, len(d.campaigns))
	for _, c := range d.campaigns {
		if c.CategoryOrDefault() == category {
			out = append(out, c)
		}
	}
	return out, nil
}
