// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/worker"
)

func openMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHealthSnapshots(t *testing.T) {
	require := require.New(t)
	s := openMemStore(t)

	records, err := s.HealthSnapshots()
	require.NoError(err)
	require.Empty(records)

	a := worker.HealthRecord{
		BotID:         "bot-sports-1",
		Category:      "sports",
		Status:        worker.StatusHealthy,
		LastHeartbeat: time.Now().UTC().Truncate(time.Second),
		BidsProcessed: 12,
	}
	b := worker.HealthRecord{
		BotID:    "bot-news-1",
		Category: "news",
		Status:   worker.StatusDegraded,
		Errors:   3,
	}
	require.NoError(s.PutHealthSnapshot(a))
	require.NoError(s.PutHealthSnapshot(b))

	records, err = s.HealthSnapshots()
	require.NoError(err)
	require.Len(records, 2)

	// Overwrite keeps one record per bot
	a.BidsProcessed = 20
	require.NoError(s.PutHealthSnapshot(a))
	records, err = s.HealthSnapshots()
	require.NoError(err)
	require.Len(records, 2)

	require.NoError(s.DeleteHealthSnapshot("bot-news-1"))
	records, err = s.HealthSnapshots()
	require.NoError(err)
	require.Len(records, 1)
	require.Equal("bot-sports-1", records[0].BotID)
	require.Equal(uint64(20), records[0].BidsProcessed)
}

func TestBidLedgerOrderAndLimit(t *testing.T) {
	require := require.New(t)
	s := openMemStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(s.RecordBid(bidding.BidResponse{
			AuctionID:  string(rune('a' + i)),
			CampaignID: "camp-1",
			Amount:     float64(i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	bids, err := s.RecentBids(0)
	require.NoError(err)
	require.Len(bids, 5)
	require.Equal("a", bids[0].AuctionID)
	require.Equal("e", bids[4].AuctionID)

	// Limit keeps the newest entries, oldest trimmed first
	bids, err = s.RecentBids(2)
	require.NoError(err)
	require.Len(bids, 2)
	require.Equal("d", bids[0].AuctionID)
	require.Equal("e", bids[1].AuctionID)
}

func TestPruneBidsBefore(t *testing.T) {
	require := require.New(t)
	s := openMemStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(s.RecordBid(bidding.BidResponse{
			AuctionID: string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.NoError(s.PruneBidsBefore(base.Add(2 * time.Minute)))

	bids, err := s.RecentBids(0)
	require.NoError(err)
	require.Len(bids, 3)
	require.Equal("c", bids[0].AuctionID)
}
