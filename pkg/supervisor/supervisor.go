// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package supervisor runs the bidding-worker fleet: a periodic scan loop
// that diffs the live campaign set against running category workers, a
// health loop that restarts stale workers, and a single aggregation loop
// that owns the health registry and relays peer health to the fallback
// worker.
package supervisor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/broker"
	"github.com/luxfi/bidfleet/pkg/campaign"
	"github.com/luxfi/bidfleet/pkg/config"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/metric"
	"github.com/luxfi/bidfleet/pkg/strategy"
	"github.com/luxfi/bidfleet/pkg/worker"
)

// healthChannelDepth buffers worker health updates between aggregation
// passes. Workers drop updates rather than block when it fills.
const healthChannelDepth = 256

// HealthArchive persists the latest health snapshot per worker for external
// stats queries. *store.Store implements it.
type HealthArchive interface {
	PutHealthSnapshot(record worker.HealthRecord) error
	DeleteHealthSnapshot(botID string) error
}

// Spawner owns the worker registry and the health registry. Both are
// mutated only by its own loops; external callers read them through Stats.
type Spawner struct {
	cfg       config.Config
	directory campaign.Directory
	bus       broker.Bus
	engine    *strategy.Engine
	ledger    worker.BidLedger
	archive   HealthArchive
	metrics   *metric.Metrics
	sink      bidding.EventSink
	log       log.Logger

	healthCh chan worker.HealthRecord
	newRand  func() worker.Rand

	mu       sync.RWMutex
	workers  map[string]*worker.CategoryWorker // by category
	health   map[string]worker.HealthRecord    // by bot id
	fallback *worker.FallbackWorker

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Spawner. ledger, archive, metrics, and sink may be nil.
func New(
	cfg config.Config,
	directory campaign.Directory,
	bus broker.Bus,
	engine *strategy.Engine,
	ledger worker.BidLedger,
	archive HealthArchive,
	metrics *metric.Metrics,
	sink bidding.EventSink,
	logger log.Logger,
) *Spawner {
	return &Spawner{
		cfg:       cfg,
		directory: directory,
		bus:       bus,
		engine:    engine,
		ledger:    ledger,
		archive:   archive,
		metrics:   metrics,
		sink:      sink,
		log:       logger,
		healthCh:  make(chan worker.HealthRecord, healthChannelDepth),
		// One source per worker, shared by all of its consumer goroutines.
		newRand: func() worker.Rand {
			return worker.NewLockedRand(time.Now().UnixNano())
		},
		workers: make(map[string]*worker.CategoryWorker),
		health:  make(map[string]worker.HealthRecord),
	}
}

// Start launches the fallback worker, performs an initial scan, and starts
// the scan, health, and aggregation loops.
func (s *Spawner) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.MaxBotsPerCategory > 1 {
		// Declared in the configuration surface; sharding within a
		// category is not implemented, one worker per category runs.
		s.log.Warn("maxBotsPerCategory is not enforced, running one worker per category",
			"configured", s.cfg.MaxBotsPerCategory)
	}

	s.fallback = worker.NewFallbackWorker(
		s.bus,
		s.directory,
		s.ledger,
		s.metrics,
		s.healthCh,
		s.cfg.FallbackBidMultiplier,
		s.log,
	)
	if err := s.fallback.Start(ctx); err != nil {
		return fmt.Errorf("start fallback worker: %w", err)
	}

	s.ScanAndSpawn(ctx)

	s.wg.Add(3)
	go s.scanLoop(ctx)
	go s.healthLoop(ctx)
	go s.aggregateLoop(ctx)

	s.log.Info("supervisor started",
		"scanInterval", s.cfg.ScanInterval,
		"healthCheckInterval", s.cfg.HealthCheckInterval,
		"priorityCategories", s.cfg.PriorityCategories)
	return nil
}

func (s *Spawner) scanLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ScanAndSpawn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Spawner) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.MonitorHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// aggregateLoop is the single consumer of worker health updates. It owns
// the health registry, persists snapshots, and relays peer health to the
// fallback worker.
func (s *Spawner) aggregateLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case record := <-s.healthCh:
			s.mu.Lock()
			s.health[record.BotID] = record
			s.mu.Unlock()

			if s.archive != nil {
				if err := s.archive.PutHealthSnapshot(record); err != nil {
					s.log.Warn("health snapshot write failed", "bot", record.BotID, "error", err)
				}
			}
			if record.Category != worker.FallbackCategory {
				s.fallback.UpdateBotHealth(record)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ScanAndSpawn queries the directory, groups campaigns by category, creates
// workers for new categories, pushes reloaded campaign sets into existing
// ones, retires workers whose category emptied, and finally refreshes the
// fallback worker's full campaign view.
func (s *Spawner) ScanAndSpawn(ctx context.Context) {
	started := time.Now()

	campaigns, err := s.directory.GetActiveCampaigns(ctx, "")
	if err != nil {
		// Keep the workers' last good snapshots until the next scan.
		s.log.Error("campaign scan failed", "error", err)
		return
	}

	grouped := campaign.GroupByCategory(campaigns)

	s.mu.Lock()
	for category, set := range grouped {
		if w, running := s.workers[category]; running {
			w.ReloadCampaigns(set)
			continue
		}
		s.spawnWorkerLocked(ctx, category)
	}
	var retired []*worker.CategoryWorker
	for category, w := range s.workers {
		if _, live := grouped[category]; live {
			continue
		}
		delete(s.workers, category)
		retired = append(retired, w)
	}
	s.mu.Unlock()

	for _, w := range retired {
		s.retireWorker(w)
	}

	if err := s.fallback.LoadCampaigns(ctx); err != nil {
		s.log.Error("fallback campaign refresh failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.ScanDuration.Observe(time.Since(started).Seconds())
		s.mu.RLock()
		s.metrics.ActiveWorkers.Set(float64(len(s.workers)))
		s.mu.RUnlock()
	}
}

// spawnWorkerLocked creates and starts a worker for the category. Caller
// holds s.mu.
func (s *Spawner) spawnWorkerLocked(ctx context.Context, category string) {
	priority := worker.PriorityStandard
	if slices.Contains(s.cfg.PriorityCategories, category) {
		priority = worker.PriorityHigh
	}

	cfg := worker.Config{
		ID:                    fmt.Sprintf("bot-%s-%s", category, uuid.NewString()[:8]),
		Category:              category,
		Priority:              priority,
		ParticipationRate:     s.cfg.ParticipationRate,
		BidVariance:           s.cfg.BidVariance,
		NonPriorityAcceptRate: s.cfg.NonPriorityAcceptRate,
	}

	w := worker.NewCategoryWorker(
		cfg,
		s.bus,
		s.directory,
		s.engine,
		s.ledger,
		s.metrics,
		s.healthCh,
		s.newRand(),
		s.log,
	)
	if err := w.Start(ctx); err != nil {
		s.log.Error("worker start failed", "category", category, "error", err)
		return
	}
	s.workers[category] = w

	if s.metrics != nil {
		s.metrics.WorkersSpawned.Inc()
	}
	s.notify(bidding.FleetEvent{
		Type:      bidding.EventWorkerStarted,
		BotID:     cfg.ID,
		Category:  category,
		Timestamp: time.Now(),
	})
	s.log.Info("worker created", "bot", cfg.ID, "category", category, "priority", priority)
}

func (s *Spawner) retireWorker(w *worker.CategoryWorker) {
	w.Stop()

	s.fallback.RemoveBotHealth(w.Category())

	s.mu.Lock()
	delete(s.health, w.ID())
	s.mu.Unlock()

	if s.archive != nil {
		_ = s.archive.DeleteHealthSnapshot(w.ID())
	}
	if s.metrics != nil {
		s.metrics.WorkersRetired.Inc()
	}
	s.notify(bidding.FleetEvent{
		Type:      bidding.EventWorkerStopped,
		BotID:     w.ID(),
		Category:  w.Category(),
		Timestamp: time.Now(),
	})
	s.log.Info("worker terminated", "bot", w.ID(), "category", w.Category())
}

// MonitorHealth restarts every non-fallback worker whose last heartbeat is
// older than the unhealthy threshold. A restart is a full teardown and
// rebuild of the worker and its consumers, not a partial repair.
func (s *Spawner) MonitorHealth(ctx context.Context) {
	now := time.Now()

	s.mu.RLock()
	var stale []worker.HealthRecord
	for _, record := range s.health {
		if record.Category == worker.FallbackCategory {
			continue
		}
		if record.Stale(now, s.cfg.UnhealthyThreshold) {
			stale = append(stale, record)
		}
	}
	s.mu.RUnlock()

	for _, record := range stale {
		s.restartWorker(ctx, record)
	}
}

func (s *Spawner) restartWorker(ctx context.Context, record worker.HealthRecord) {
	s.mu.Lock()
	w, running := s.workers[record.Category]
	if !running || w.ID() != record.BotID {
		// The worker was already retired or replaced; drop the record.
		delete(s.health, record.BotID)
		s.mu.Unlock()
		return
	}
	delete(s.workers, record.Category)
	delete(s.health, record.BotID)
	s.mu.Unlock()

	s.log.Warn("restarting unhealthy worker",
		"bot", record.BotID,
		"category", record.Category,
		"lastHeartbeat", record.LastHeartbeat)

	w.Stop()
	if s.archive != nil {
		_ = s.archive.DeleteHealthSnapshot(record.BotID)
	}

	s.mu.Lock()
	s.spawnWorkerLocked(ctx, record.Category)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WorkersRestarted.Inc()
	}
}

// Stop cancels the loops, then concurrently stops every category worker and
// the fallback worker.
func (s *Spawner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		workers := make([]*worker.CategoryWorker, 0, len(s.workers))
		for category, w := range s.workers {
			workers = append(workers, w)
			delete(s.workers, category)
		}
		s.mu.Unlock()

		var stopWG sync.WaitGroup
		for _, w := range workers {
			stopWG.Add(1)
			go func(w *worker.CategoryWorker) {
				defer stopWG.Done()
				w.Stop()
			}(w)
		}
		if s.fallback != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				s.fallback.Stop()
			}()
		}
		stopWG.Wait()

		s.log.Info("supervisor stopped")
	})
}

func (s *Spawner) notify(ev bidding.FleetEvent) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}

// WorkerStatus describes one running category worker.
type WorkerStatus struct {
	BotID     string          `json:"botId"`
	Category  string          `json:"category"`
	Priority  worker.Priority `json:"priority"`
	Campaigns int             `json:"campaigns"`
}

// Stats is a point-in-time snapshot of the fleet for external queries.
type Stats struct {
	Workers       []WorkerStatus        `json:"workers"`
	Health        []worker.HealthRecord `json:"health"`
	EmergencyMode bool                  `json:"emergencyMode"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Stats returns a copy of the registries; safe to call from any goroutine.
func (s *Spawner) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Workers:   make([]WorkerStatus, 0, len(s.workers)),
		Health:    make([]worker.HealthRecord, 0, len(s.health)),
		Timestamp: time.Now(),
	}
	for category, w := range s.workers {
		priority := worker.PriorityStandard
		if w.PriorityTagged() {
			priority = worker.PriorityHigh
		}
		stats.Workers = append(stats.Workers, WorkerStatus{
			BotID:     w.ID(),
			Category:  category,
			Priority:  priority,
			Campaigns: len(w.ConsumerCampaignIDs()),
		})
	}
	for _, record := range s.health {
		stats.Health = append(stats.Health, record)
	}
	if s.fallback != nil {
		stats.EmergencyMode = s.fallback.EmergencyMode()
	}
	return stats
}
