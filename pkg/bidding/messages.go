// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bidding holds the wire types exchanged with the external auction
// engine over the message broker. Field names are fixed by that contract.
package bidding

import (
	"fmt"
	"time"

	"github.com/luxfi/bidfleet/pkg/campaign"
)

// BidRequest is one ad-slot auction opportunity published by the auction
// engine on the bid.requests exchange.
type BidRequest struct {
	AuctionID    string      `json:"auctionId"`
	PublisherID  string      `json:"publisherId"`
	AdSlotID     string      `json:"adSlotId"`
	AdSlotType   string      `json:"adSlotType"`
	FloorPrice   float64     `json:"floorPrice"`
	UserContext  UserContext `json:"userContext"`
	PriorityBots []string    `json:"priorityBots,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// UserContext carries viewer attributes used for targeting.
type UserContext struct {
	CountryCode string `json:"countryCode"`
	Device      string `json:"device"`
	OS          string `json:"os"`
	Browser     string `json:"browser"`
	Language    string `json:"language,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// BidResponse is a worker's offer for one auction, published on the
// bid.responses exchange.
type BidResponse struct {
	AuctionID    string             `json:"auctionId"`
	CampaignID   string             `json:"campaignId"`
	AdvertiserID string             `json:"advertiserId"`
	Amount       float64            `json:"amount"`
	Creative     *campaign.Creative `json:"creative"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Exchange names of the broker contract.
const (
	RequestExchange    = "bid.requests"
	ResponseExchange   = "bid.responses"
	EventExchange      = "auction.events"
	DeadLetterExchange = "dead.letter"
)

// RoutingKey returns the direct-exchange routing key for one campaign's bid
// requests.
func RoutingKey(campaignID string) string {
	return fmt.Sprintf("campaign.%s", campaignID)
}

// QueueName returns the queue a category worker binds for one campaign.
func QueueName(campaignID string) string {
	return fmt.Sprintf("campaign.%s.bids", campaignID)
}

// FallbackQueueName returns the fallback worker's queue for one campaign.
// It is distinct from QueueName so both workers receive an independent copy
// of every request.
func FallbackQueueName(campaignID string) string {
	return fmt.Sprintf("campaign.%s.bids.fallback", campaignID)
}

// FleetEvent is a lightweight notification published on the auction.events
// fanout exchange for observers.
type FleetEvent struct {
	Type      string    `json:"type"`
	BotID     string    `json:"botId,omitempty"`
	Category  string    `json:"category,omitempty"`
	AuctionID string    `json:"auctionId,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives fleet events for in-process observers such as the
// stats server's websocket feed. Implementations must not block.
type EventSink interface {
	Publish(FleetEvent)
}

// Fleet event types.
const (
	EventBidPublished  = "bid_published"
	EventWorkerStarted = "worker_started"
	EventWorkerStopped = "worker_stopped"
	EventEmergencyOn   = "emergency_entered"
	EventEmergencyOff  = "emergency_exited"
)
