// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import "context"

// Directory is the read-only source of active campaigns. Implementations
// return only campaigns with active status whose date window contains now.
type Directory interface {
	// GetActiveCampaigns returns all active campaigns. A non-empty
	// advertiserID restricts the result to that advertiser.
	GetActiveCampaigns(ctx context.Context, advertiserID string) ([]Campaign, error)

	// GetCampaignsByCategory returns active campaigns in the given category.
	GetCampaignsByCategory(ctx context.Context, category string) ([]Campaign, error)
}
