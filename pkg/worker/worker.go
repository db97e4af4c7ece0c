// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker implements the bidding agents: category-specialized
// workers that consume per-campaign bid requests and the always-resident
// fallback worker that covers the fleet during emergencies.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/broker"
	"github.com/luxfi/bidfleet/pkg/campaign"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/metric"
	"github.com/luxfi/bidfleet/pkg/strategy"
)

// Priority is a worker's standing in the priority-bot gate.
type Priority string

const (
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "priority"
)

// defaultHeartbeatInterval paces the periodic health emission.
const defaultHeartbeatInterval = 10 * time.Second

// Config parameterizes a bidding worker.
type Config struct {
	ID                    string
	Category              string
	Priority              Priority
	ParticipationRate     float64
	BidVariance           float64
	NonPriorityAcceptRate float64
	HeartbeatInterval     time.Duration
}

func (c *Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return defaultHeartbeatInterval
}

// BidLedger records published bids for the stats surface. Implementations
// must be safe for concurrent use.
type BidLedger interface {
	RecordBid(resp bidding.BidResponse) error
}

// CategoryWorker bids on behalf of every campaign in one category. It owns
// one broker consumer per campaign and reports health to the supervisor
// through the health channel.
type CategoryWorker struct {
	cfg       Config
	bus       broker.Bus
	directory campaign.Directory
	engine    *strategy.Engine
	ledger    BidLedger
	metrics   *metric.Metrics
	health    chan<- HealthRecord
	rng       Rand
	now       func() time.Time
	log       log.Logger

	mu        sync.Mutex
	campaigns []campaign.Campaign
	consumers map[string]struct{} // campaign ids with a bound consumer

	bidsProcessed atomic.Uint64
	errors        atomic.Uint64

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// NewCategoryWorker builds a worker; Start must be called before it bids.
// ledger and metrics may be nil.
func NewCategoryWorker(
	cfg Config,
	bus broker.Bus,
	directory campaign.Directory,
	engine *strategy.Engine,
	ledger BidLedger,
	metrics *metric.Metrics,
	health chan<- HealthRecord,
	rng Rand,
	logger log.Logger,
) *CategoryWorker {
	return &CategoryWorker{
		cfg:           cfg,
		bus:           bus,
		directory:     directory,
		engine:        engine,
		ledger:        ledger,
		metrics:       metrics,
		health:        health,
		rng:           rng,
		now:           time.Now,
		log:           logger.With("bot", cfg.ID, "category", cfg.Category),
		consumers:     make(map[string]struct{}),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
}

// ID returns the worker's bot id.
func (w *CategoryWorker) ID() string { return w.cfg.ID }

// Category returns the category this worker serves.
func (w *CategoryWorker) Category() string { return w.cfg.Category }

// PriorityTagged reports whether the worker was created with priority
// standing.
func (w *CategoryWorker) PriorityTagged() bool { return w.cfg.Priority == PriorityHigh }

// Start loads the category's campaigns, binds one consumer per campaign,
// and begins the heartbeat loop. A directory failure leaves the worker
// running with no campaigns until the next reload.
func (w *CategoryWorker) Start(ctx context.Context) error {
	campaigns, err := w.directory.GetCampaignsByCategory(ctx, w.cfg.Category)
	if err != nil {
		w.errors.Add(1)
		w.log.Error("initial campaign load failed", "error", err)
		campaigns = nil
	}

	w.ReloadCampaigns(campaigns)

	go w.heartbeatLoop()
	w.emitHealth()

	w.publishFleetEvent(bidding.FleetEvent{
		Type:      bidding.EventWorkerStarted,
		BotID:     w.cfg.ID,
		Category:  w.cfg.Category,
		Timestamp: w.now(),
	})

	w.log.Info("category worker started", "campaigns", len(campaigns))
	return nil
}

// ReloadCampaigns diffs the new campaign set against the bound consumer
// set: consumers are bound only for added campaigns and removed only for
// dropped ones, so an unchanged set is a no-op and untouched campaigns are
// never rebound.
func (w *CategoryWorker) ReloadCampaigns(campaigns []campaign.Campaign) {
	w.mu.Lock()
	defer w.mu.Unlock()

	incoming := make(map[string]struct{}, len(campaigns))
	for _, c := range campaigns {
		incoming[c.ID] = struct{}{}
	}

	for _, c := range campaigns {
		if _, bound := w.consumers[c.ID]; bound {
			continue
		}
		queue := bidding.QueueName(c.ID)
		err := w.bus.BindCampaignQueue(queue, c.ID, w.HandleBidRequest)
		if err != nil && err != broker.ErrAlreadyBound {
			w.errors.Add(1)
			w.log.Error("consumer bind failed", "campaign", c.ID, "error", err)
			continue
		}
		w.consumers[c.ID] = struct{}{}
	}

	for id := range w.consumers {
		if _, keep := incoming[id]; keep {
			continue
		}
		queue := bidding.QueueName(id)
		if err := w.bus.UnbindCampaignQueue(queue); err != nil && err != broker.ErrNotBound {
			w.errors.Add(1)
			w.log.Error("consumer unbind failed", "campaign", id, "error", err)
		}
		delete(w.consumers, id)
	}

	w.campaigns = campaigns
}

// ConsumerCampaignIDs returns the campaign ids with a bound consumer.
func (w *CategoryWorker) ConsumerCampaignIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.consumers))
	for id := range w.consumers {
		ids = append(ids, id)
	}
	return ids
}

// HandleBidRequest processes one delivered bid request. A non-nil return
// rejects the message without requeue; every other outcome acknowledges it,
// including a deliberate no-bid.
func (w *CategoryWorker) HandleBidRequest(body []byte) error {
	started := w.now()

	var req bidding.BidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.errors.Add(1)
		if w.metrics != nil {
			w.metrics.BidsDropped.Inc()
		}
		return fmt.Errorf("decode bid request: %w", err)
	}

	if !PassesPriorityGate(w.rng, req.PriorityBots, w.cfg.ID, w.PriorityTagged(), w.cfg.NonPriorityAcceptRate) {
		return nil
	}

	if !w.shouldBid(&req) {
		return nil
	}

	matched := w.findMatchingCampaign(&req)
	if matched == nil {
		return nil
	}

	if !PassesParticipationGate(w.rng, w.cfg.ParticipationRate) {
		return nil
	}

	amount, ok := w.engine.CalculateBid(matched, &req)
	if !ok {
		return nil
	}
	creative := strategy.SelectCreative(matched, req.AdSlotType)
	if creative == nil {
		return nil
	}

	amount = ApplyVariance(w.rng, amount, w.cfg.BidVariance)

	resp := bidding.BidResponse{
		AuctionID:    req.AuctionID,
		CampaignID:   matched.ID,
		AdvertiserID: matched.AdvertiserID,
		Amount:       strategy.RoundAmount(amount),
		Creative:     creative,
		Timestamp:    w.now(),
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		w.errors.Add(1)
		w.log.Error("encode bid response failed", "auction", req.AuctionID, "error", err)
		return nil
	}

	if err := w.bus.PublishResponse(payload); err != nil {
		// Bid value is time-boxed to one auction; losing it is acceptable.
		w.log.Error("bid publish failed", "auction", req.AuctionID, "error", err)
		return nil
	}

	w.bidsProcessed.Add(1)
	w.emitHealth()

	if w.ledger != nil {
		if err := w.ledger.RecordBid(resp); err != nil {
			w.log.Warn("bid ledger write failed", "auction", req.AuctionID, "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.BidsPublished.Inc()
		w.metrics.BidLatency.Observe(w.now().Sub(started).Seconds())
	}

	w.publishFleetEvent(bidding.FleetEvent{
		Type:      bidding.EventBidPublished,
		BotID:     w.cfg.ID,
		Category:  w.cfg.Category,
		AuctionID: req.AuctionID,
		Amount:    resp.Amount,
		Timestamp: resp.Timestamp,
	})

	w.log.Debug("bid published",
		"auction", req.AuctionID,
		"campaign", matched.ID,
		"amount", resp.Amount)
	return nil
}

// shouldBid is a cheap pre-filter: true iff any owned campaign carries a
// creative whose format fits the slot type, independent of budget and
// targeting.
func (w *CategoryWorker) shouldBid(req *bidding.BidRequest) bool {
	w.mu.Lock()
	campaigns := w.campaigns
	w.mu.Unlock()

	for i := range campaigns {
		if strategy.HasCreativeForSlot(&campaigns[i], req.AdSlotType) {
			return true
		}
	}
	return false
}

// findMatchingCampaign walks the owned campaigns in load order, drops any
// without remaining budget, failing targeting, or without creatives, and
// returns the highest-scoring survivor. Earlier campaigns win score ties.
func (w *CategoryWorker) findMatchingCampaign(req *bidding.BidRequest) *campaign.Campaign {
	w.mu.Lock()
	campaigns := w.campaigns
	w.mu.Unlock()

	now := w.now()

	var (
		best      *campaign.Campaign
		bestScore float64 = -1
	)
	for i := range campaigns {
		c := &campaigns[i]
		if c.RemainingBudget() <= 0 {
			continue
		}
		if !w.matchesTargeting(c, req, now) {
			continue
		}
		if len(c.Creatives) == 0 {
			continue
		}

		score := scoreCampaign(c, req)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

func (w *CategoryWorker) matchesTargeting(c *campaign.Campaign, req *bidding.BidRequest, now time.Time) bool {
	t := &c.Targeting
	user := &req.UserContext
	return t.MatchesPublisher(req.PublisherID) &&
		t.MatchesAdSlot(req.AdSlotID) &&
		t.MatchesGeo(user.CountryCode) &&
		t.MatchesDevice(user.Device) &&
		t.MatchesOS(user.OS) &&
		t.MatchesBrowser(user.Browser) &&
		t.ScheduleActive(now)
}

// scoreCampaign ranks a surviving campaign: predicted clickthrough scaled to
// a thousand, plus a flat boost when the campaign explicitly targets this
// publisher.
func scoreCampaign(c *campaign.Campaign, req *bidding.BidRequest) float64 {
	score := 0.0
	if c.AvgCTR != nil {
		score += *c.AvgCTR * 1000
	}
	if publisherBoost(c, req.PublisherID) {
		score += 500
	}
	return score
}

func publisherBoost(c *campaign.Campaign, publisherID string) bool {
	for _, p := range c.Targeting.Publishers {
		if p == "" || p == "*" {
			continue
		}
		if strings.Contains(publisherID, p) {
			return true
		}
	}
	return false
}

// Stop cancels every active consumer before releasing worker state; no
// handler callback fires after it returns.
func (w *CategoryWorker) Stop() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.consumers))
	for id := range w.consumers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.bus.UnbindCampaignQueue(bidding.QueueName(id)); err != nil && err != broker.ErrNotBound {
			w.log.Error("consumer unbind failed", "campaign", id, "error", err)
		}
	}

	w.mu.Lock()
	w.consumers = make(map[string]struct{})
	w.campaigns = nil
	w.mu.Unlock()

	close(w.stopHeartbeat)
	<-w.heartbeatDone

	w.publishFleetEvent(bidding.FleetEvent{
		Type:      bidding.EventWorkerStopped,
		BotID:     w.cfg.ID,
		Category:  w.cfg.Category,
		Timestamp: w.now(),
	})

	w.log.Info("category worker stopped")
}

func (w *CategoryWorker) heartbeatLoop() {
	defer close(w.heartbeatDone)
	ticker := time.NewTicker(w.cfg.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.emitHealth()
		case <-w.stopHeartbeat:
			return
		}
	}
}

// emitHealth sends a snapshot to the supervisor without ever blocking the
// bid path; a full channel drops the update and the next heartbeat covers
// it.
func (w *CategoryWorker) emitHealth() {
	if w.health == nil {
		return
	}
	record := HealthRecord{
		BotID:         w.cfg.ID,
		Category:      w.cfg.Category,
		Status:        StatusHealthy,
		LastHeartbeat: w.now(),
		BidsProcessed: w.bidsProcessed.Load(),
		Errors:        w.errors.Load(),
	}
	select {
	case w.health <- record:
	default:
	}
}

func (w *CategoryWorker) publishFleetEvent(ev bidding.FleetEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := w.bus.PublishEvent(payload); err != nil {
		w.log.Debug("fleet event publish failed", "type", ev.Type, "error", err)
	}
}
