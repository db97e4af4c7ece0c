// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	membus "github.com/luxfi/bidfleet/internal/testing/bus"
	memdir "github.com/luxfi/bidfleet/internal/testing/directory"
	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/campaign"
	"github.com/luxfi/bidfleet/pkg/config"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/strategy"
	"github.com/luxfi/bidfleet/pkg/worker"
)

func testConfig() config.Config {
	return config.Config{
		// Long intervals keep the background loops quiet; tests drive
		// ScanAndSpawn and MonitorHealth directly.
		ScanInterval:          time.Hour,
		HealthCheckInterval:   time.Hour,
		UnhealthyThreshold:    time.Minute,
		ParticipationRate:     1.0,
		NonPriorityAcceptRate: config.DefaultNonPriorityAcceptRate,
		FallbackBidMultiplier: 1.0,
		MaxBotsPerCategory:    1,
	}
}

func testCampaign(id, category string) campaign.Campaign {
	now := time.Now()
	return campaign.Campaign{
		ID:          id,
		TotalBudget: 100,
		MaxBid:      5.0,
		BidStrategy: campaign.StrategyHighest,
		Status:      campaign.StatusActive,
		Category:    category,
		StartDate:   now.Add(-24 * time.Hour),
		EndDate:     now.Add(24 * time.Hour),
		Creatives:   []campaign.Creative{{ID: id + "-cr", Format: "banner"}},
	}
}

func newTestSpawner(cfg config.Config, dir *memdir.MemoryDirectory, bus *membus.MemoryBus) *Spawner {
	return New(cfg, dir, bus, strategy.NewEngine(), nil, nil, nil, nil, log.NoOp())
}

func workerFor(s *Spawner, category string) (WorkerStatus, bool) {
	for _, ws := range s.Stats().Workers {
		if ws.Category == category {
			return ws, true
		}
	}
	return WorkerStatus{}, false
}

func TestScanAndSpawnLifecycle(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(
		testCampaign("camp-a", "sports"),
		testCampaign("camp-b", "sports"),
		testCampaign("camp-c", "news"),
	)

	s := newTestSpawner(testConfig(), dir, bus)
	require.NoError(s.Start(context.Background()))
	defer s.Stop()

	stats := s.Stats()
	require.Len(stats.Workers, 2)

	sports, ok := workerFor(s, "sports")
	require.True(ok)
	require.Equal(2, sports.Campaigns)

	// Healthy worker heartbeats reach the fallback through the aggregation
	// loop and end the boot-time emergency.
	require.Eventually(func() bool {
		return !s.Stats().EmergencyMode
	}, time.Second, 10*time.Millisecond)

	// A category emptying retires its worker and unbinds its queues
	dir.Set(testCampaign("camp-a", "sports"))
	s.ScanAndSpawn(context.Background())

	stats = s.Stats()
	require.Len(stats.Workers, 1)
	require.Equal("sports", stats.Workers[0].Category)
	require.ElementsMatch([]string{
		bidding.QueueName("camp-a"),
		bidding.FallbackQueueName("camp-a"),
	}, bus.BoundQueues())
}

func TestScanAndSpawnKeepsSnapshotOnDirectoryFailure(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(testCampaign("camp-a", "sports"))

	s := newTestSpawner(testConfig(), dir, bus)
	require.NoError(s.Start(context.Background()))
	defer s.Stop()

	require.Len(s.Stats().Workers, 1)

	// A failed scan must not tear anything down
	dir.SetError(context.DeadlineExceeded)
	s.ScanAndSpawn(context.Background())

	require.Len(s.Stats().Workers, 1)
	require.Contains(bus.BoundQueues(), bidding.QueueName("camp-a"))
}

func TestPriorityCategories(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(
		testCampaign("camp-a", "sports"),
		testCampaign("camp-b", "news"),
	)

	cfg := testConfig()
	cfg.PriorityCategories = []string{"sports"}

	s := newTestSpawner(cfg, dir, bus)
	require.NoError(s.Start(context.Background()))
	defer s.Stop()

	sports, ok := workerFor(s, "sports")
	require.True(ok)
	require.Equal(worker.PriorityHigh, sports.Priority)

	news, ok := workerFor(s, "news")
	require.True(ok)
	require.Equal(worker.PriorityStandard, news.Priority)
}

func TestMonitorHealthRestartsStaleWorker(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(testCampaign("camp-a", "sports"))

	s := newTestSpawner(testConfig(), dir, bus)
	require.NoError(s.Start(context.Background()))
	defer s.Stop()

	sports, ok := workerFor(s, "sports")
	require.True(ok)

	// Backdate the worker's heartbeat past the unhealthy threshold
	s.mu.Lock()
	s.health[sports.BotID] = worker.HealthRecord{
		BotID:         sports.BotID,
		Category:      "sports",
		Status:        worker.StatusHealthy,
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}
	s.mu.Unlock()

	s.MonitorHealth(context.Background())

	replacement, ok := workerFor(s, "sports")
	require.True(ok)
	require.NotEqual(sports.BotID, replacement.BotID)
	require.Contains(bus.BoundQueues(), bidding.QueueName("camp-a"))
}

func TestMonitorHealthIgnoresRetiredRecord(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(testCampaign("camp-a", "sports"))

	s := newTestSpawner(testConfig(), dir, bus)
	require.NoError(s.Start(context.Background()))
	defer s.Stop()

	// A stale record for a bot that no longer runs must not spawn anything
	s.mu.Lock()
	s.health["bot-gone"] = worker.HealthRecord{
		BotID:         "bot-gone",
		Category:      "sports",
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	s.mu.Unlock()

	s.MonitorHealth(context.Background())

	require.Len(s.Stats().Workers, 1)
	s.mu.RLock()
	_, tracked := s.health["bot-gone"]
	s.mu.RUnlock()
	require.False(tracked)
}

func TestStopUnbindsEverything(t *testing.T) {
	require := require.New(t)
	bus := membus.New()
	dir := memdir.New(
		testCampaign("camp-a", "sports"),
		testCampaign("camp-b", "news"),
	)

	s := newTestSpawner(testConfig(), dir, bus)
	require.NoError(s.Start(context.Background()))
	require.NotEmpty(bus.BoundQueues())

	s.Stop()
	require.Empty(bus.BoundQueues())

	// Stop is idempotent
	s.Stop()
}
