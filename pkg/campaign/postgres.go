// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory over a pgx connection pool.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory returns a directory backed by the given pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

const activeCampaignQuery = `
	SELECT
		c.id,
		c.advertiser_id,
		c.name,
		c.total_budget,
		COALESCE(c.daily_budget, 0),
		c.spent_amount,
		c.max_bid,
		c.bid_strategy,
		c.targeting,
		c.status,
		COALESCE(c.category, ''),
		c.start_date,
		c.end_date,
		c.avg_ctr
	FROM campaigns c
	WHERE c.status = 'active'
	  AND now() BETWEEN c.start_date AND c.end_date`

// GetActiveCampaigns returns all active campaigns, optionally restricted to
// one advertiser, with their creatives attached.
func (d *PostgresDirectory) GetActiveCampaigns(ctx context.Context, advertiserID string) ([]Campaign, error) {
	query := activeCampaignQuery
	args := []any{}
	if advertiserID != "" {
		query += ` AND c.advertiser_id = $1`
		args = append(args, advertiserID)
	}
	return d.queryCampaigns(ctx, query, args...)
}

// GetCampaignsByCategory returns active campaigns in the given category.
// The default category matches campaigns with no category set.
func (d *PostgresDirectory) GetCampaignsByCategory(ctx context.Context, category string) ([]Campaign, error) {
	query := activeCampaignQuery
	if category == DefaultCategory {
		query += ` AND (c.category IS NULL OR c.category = '' OR c.category = $1)`
	} else {
		query += ` AND c.category = $1`
	}
	return d.queryCampaigns(ctx, query, category)
}

func (d *PostgresDirectory) queryCampaigns(ctx context.Context, query string, args ...any) ([]Campaign, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}

	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Campaign, error) {
		var (
			c            Campaign
			targetingRaw []byte
		)
		err := row.Scan(
			&c.ID,
			&c.AdvertiserID,
			&c.Name,
			&c.TotalBudget,
			&c.DailyBudget,
			&c.SpentAmount,
			&c.MaxBid,
			&c.BidStrategy,
			&targetingRaw,
			&c.Status,
			&c.Category,
			&c.StartDate,
			&c.EndDate,
			&c.AvgCTR,
		)
		if err != nil {
			return c, err
		}
		if len(targetingRaw) > 0 {
			// Malformed targeting leaves the campaign untargeted rather
			// than dropping it.
			_ = json.Unmarshal(targetingRaw, &c.Targeting)
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return campaigns, nil
	}

	if err := d.attachCreatives(ctx, campaigns); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (d *PostgresDirectory) attachCreatives(ctx context.Context, campaigns []Campaign) error {
	ids := make([]string, len(campaigns))
	byID := make(map[string]int, len(campaigns))
	for i, c := range campaigns {
		ids[i] = c.ID
		byID[c.ID] = i
	}

	rows, err := d.pool.Query(ctx, `
		SELECT
			id,
			campaign_id,
			format,
			COALESCE(assets, '{}'::jsonb),
			landing_url,
			COALESCE(width, 0),
			COALESCE(height, 0),
			reviewed,
			active,
			impressions,
			clicks,
			ctr
		FROM creatives
		WHERE active AND campaign_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("query creatives: %w", err)
	}

	creatives, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Creative, error) {
		var (
			cr        Creative
			assetsRaw []byte
		)
		err := row.Scan(
			&cr.ID,
			&cr.CampaignID,
			&cr.Format,
			&assetsRaw,
			&cr.LandingURL,
			&cr.Width,
			&cr.Height,
			&cr.Reviewed,
			&cr.Active,
			&cr.Impressions,
			&cr.Clicks,
			&cr.CTR,
		)
		if err != nil {
			return cr, err
		}
		if len(assetsRaw) > 0 {
			_ = json.Unmarshal(assetsRaw, &cr.Assets)
		}
		return cr, nil
	})
	if err != nil {
		return fmt.Errorf("scan creatives: %w", err)
	}

	for _, cr := range creatives {
		if i, ok := byID[cr.CampaignID]; ok {
			campaigns[i].Creatives = append(campaigns[i].Creatives, cr)
		}
	}
	return nil
}
