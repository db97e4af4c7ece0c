// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/broker"
	"github.com/luxfi/bidfleet/pkg/campaign"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/metric"
	"github.com/luxfi/bidfleet/pkg/strategy"
)

// FallbackBotID identifies the single always-resident emergency worker.
const FallbackBotID = "fallback-bot"

// FallbackCategory is the fallback worker's own category key. Health
// records for this category are never counted as peers.
const FallbackCategory = "fallback"

// emergencyPollInterval re-evaluates emergency mode independently of health
// notifications, in case one was missed.
const emergencyPollInterval = 30 * time.Second

// FallbackWorker is the emergency agent: it tracks peer health, loads every
// active campaign regardless of category, and bids the floor price when no
// category worker is healthy. It binds the same routing keys as the
// category workers via distinctly named queues, so it sees its own copy of
// every request.
type FallbackWorker struct {
	bus        broker.Bus
	directory  campaign.Directory
	ledger     BidLedger
	metrics    *metric.Metrics
	health     chan<- HealthRecord
	multiplier decimal.Decimal
	now        func() time.Time
	log        log.Logger

	mu        sync.Mutex
	campaigns []campaign.Campaign
	consumers map[string]struct{}
	otherBots map[string]HealthRecord // category → peer record
	emergency bool

	bidsProcessed atomic.Uint64
	errors        atomic.Uint64

	stopPoll chan struct{}
	pollDone chan struct{}
}

// NewFallbackWorker builds the fallback worker. ledger and metrics may be
// nil. A multiplier of 1.0 bids exactly the floor price.
func NewFallbackWorker(
	bus broker.Bus,
	directory campaign.Directory,
	ledger BidLedger,
	metrics *metric.Metrics,
	health chan<- HealthRecord,
	bidMultiplier float64,
	logger log.Logger,
) *FallbackWorker {
	if bidMultiplier <= 0 {
		bidMultiplier = 1.0
	}
	return &FallbackWorker{
		bus:        bus,
		directory:  directory,
		ledger:     ledger,
		metrics:    metrics,
		health:     health,
		multiplier: decimal.NewFromFloat(bidMultiplier),
		now:        time.Now,
		log:        logger.With("bot", FallbackBotID),
		consumers:  make(map[string]struct{}),
		otherBots:  make(map[string]HealthRecord),
		stopPoll:   make(chan struct{}),
		pollDone:   make(chan struct{}),
	}
}

// Start loads the full campaign set and begins the emergency poll loop.
func (f *FallbackWorker) Start(ctx context.Context) error {
	if err := f.LoadCampaigns(ctx); err != nil {
		f.log.Error("initial campaign load failed", "error", err)
	}

	go f.pollLoop()
	f.checkEmergencyMode()
	f.emitHealth()

	f.log.Info("fallback worker started")
	return nil
}

// LoadCampaigns refreshes the fallback worker's view of every active
// campaign, in all categories, rebinding consumers by the same diff rules
// as category workers. A directory failure keeps the last good snapshot.
func (f *FallbackWorker) LoadCampaigns(ctx context.Context) error {
	campaigns, err := f.directory.GetActiveCampaigns(ctx, "")
	if err != nil {
		f.errors.Add(1)
		return fmt.Errorf("load campaigns: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	incoming := make(map[string]struct{}, len(campaigns))
	for _, c := range campaigns {
		incoming[c.ID] = struct{}{}
	}

	for _, c := range campaigns {
		if _, bound := f.consumers[c.ID]; bound {
			continue
		}
		queue := bidding.FallbackQueueName(c.ID)
		err := f.bus.BindCampaignQueue(queue, c.ID, f.HandleBidRequest)
		if err != nil && err != broker.ErrAlreadyBound {
			f.errors.Add(1)
			f.log.Error("consumer bind failed", "campaign", c.ID, "error", err)
			continue
		}
		f.consumers[c.ID] = struct{}{}
	}

	for id := range f.consumers {
		if _, keep := incoming[id]; keep {
			continue
		}
		if err := f.bus.UnbindCampaignQueue(bidding.FallbackQueueName(id)); err != nil && err != broker.ErrNotBound {
			f.errors.Add(1)
			f.log.Error("consumer unbind failed", "campaign", id, "error", err)
		}
		delete(f.consumers, id)
	}

	f.campaigns = campaigns
	return nil
}

// UpdateBotHealth records a peer worker's health and re-evaluates emergency
// mode.
func (f *FallbackWorker) UpdateBotHealth(record HealthRecord) {
	if record.Category == FallbackCategory {
		return
	}
	f.mu.Lock()
	f.otherBots[record.Category] = record
	f.mu.Unlock()
	f.checkEmergencyMode()
}

// RemoveBotHealth forgets a retired peer and re-evaluates emergency mode.
func (f *FallbackWorker) RemoveBotHealth(category string) {
	f.mu.Lock()
	delete(f.otherBots, category)
	f.mu.Unlock()
	f.checkEmergencyMode()
}

// checkEmergencyMode enters emergency iff no tracked peer record is
// healthy, and exits on the first healthy one. Each transition is logged
// and announced on the event exchange.
func (f *FallbackWorker) checkEmergencyMode() {
	f.mu.Lock()
	healthyPeer := false
	for _, rec := range f.otherBots {
		if rec.Status == StatusHealthy {
			healthyPeer = true
			break
		}
	}
	emergency := !healthyPeer
	changed := emergency != f.emergency
	f.emergency = emergency
	f.mu.Unlock()

	if !changed {
		return
	}

	eventType := bidding.EventEmergencyOff
	if emergency {
		eventType = bidding.EventEmergencyOn
		f.log.Warn("entering emergency mode, no healthy category worker")
	} else {
		f.log.Info("exiting emergency mode, healthy category worker present")
	}

	if f.metrics != nil {
		if emergency {
			f.metrics.EmergencyMode.Set(1)
		} else {
			f.metrics.EmergencyMode.Set(0)
		}
	}

	if payload, err := json.Marshal(bidding.FleetEvent{
		Type:      eventType,
		BotID:     FallbackBotID,
		Category:  FallbackCategory,
		Timestamp: f.now(),
	}); err == nil {
		_ = f.bus.PublishEvent(payload)
	}

	f.emitHealth()
}

// EmergencyMode reports whether the fallback worker is currently covering
// the fleet.
func (f *FallbackWorker) EmergencyMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergency
}

// Status is degraded while in emergency mode, healthy otherwise.
func (f *FallbackWorker) Status() HealthStatus {
	if f.EmergencyMode() {
		return StatusDegraded
	}
	return StatusHealthy
}

// HandleBidRequest bids the floor price on the first campaign with budget
// and a creative, ignoring every targeting rule. Outside emergency mode the
// request is acknowledged without a bid.
func (f *FallbackWorker) HandleBidRequest(body []byte) error {
	var req bidding.BidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		f.errors.Add(1)
		return fmt.Errorf("decode bid request: %w", err)
	}

	if !f.EmergencyMode() {
		return nil
	}

	f.mu.Lock()
	campaigns := f.campaigns
	f.mu.Unlock()

	var matched *campaign.Campaign
	for i := range campaigns {
		c := &campaigns[i]
		if c.RemainingBudget() <= 0 {
			continue
		}
		if strategy.SelectCreative(c, req.AdSlotType) == nil {
			continue
		}
		matched = c
		break
	}
	if matched == nil {
		return nil
	}

	amount := decimal.NewFromFloat(req.FloorPrice).Mul(f.multiplier)

	resp := bidding.BidResponse{
		AuctionID:    req.AuctionID,
		CampaignID:   matched.ID,
		AdvertiserID: matched.AdvertiserID,
		Amount:       strategy.RoundAmount(amount),
		Creative:     strategy.SelectCreative(matched, req.AdSlotType),
		Timestamp:    f.now(),
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		f.errors.Add(1)
		return nil
	}

	if err := f.bus.PublishResponse(payload); err != nil {
		f.log.Error("fallback bid publish failed", "auction", req.AuctionID, "error", err)
		return nil
	}

	f.bidsProcessed.Add(1)
	if f.metrics != nil {
		f.metrics.BidsPublished.Inc()
	}
	if f.ledger != nil {
		_ = f.ledger.RecordBid(resp)
	}
	f.emitHealth()

	f.log.Debug("fallback bid published", "auction", req.AuctionID, "amount", resp.Amount)
	return nil
}

// Stop cancels every consumer and the poll loop.
func (f *FallbackWorker) Stop() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.consumers))
	for id := range f.consumers {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		if err := f.bus.UnbindCampaignQueue(bidding.FallbackQueueName(id)); err != nil && err != broker.ErrNotBound {
			f.log.Error("consumer unbind failed", "campaign", id, "error", err)
		}
	}

	f.mu.Lock()
	f.consumers = make(map[string]struct{})
	f.campaigns = nil
	f.mu.Unlock()

	close(f.stopPoll)
	<-f.pollDone

	f.log.Info("fallback worker stopped")
}

func (f *FallbackWorker) pollLoop() {
	defer close(f.pollDone)
	ticker := time.NewTicker(emergencyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.checkEmergencyMode()
			f.emitHealth()
		case <-f.stopPoll:
			return
		}
	}
}

func (f *FallbackWorker) emitHealth() {
	if f.health == nil {
		return
	}
	record := HealthRecord{
		BotID:         FallbackBotID,
		Category:      FallbackCategory,
		Status:        f.Status(),
		LastHeartbeat: f.now(),
		BidsProcessed: f.bidsProcessed.Load(),
		Errors:        f.errors.Load(),
	}
	select {
	case f.health <- record:
	default:
	}
}
