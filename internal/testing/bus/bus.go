// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bus provides an in-memory broker.Bus for tests. It reproduces the
// transport's fan-out semantics: every queue bound to a campaign's routing
// key receives its own copy of each delivered request.
package bus

import (
	"sync"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/broker"
)

type binding struct {
	campaignID string
	handler    broker.HandlerFunc
}

// MemoryBus implements broker.Bus in memory.
type MemoryBus struct {
	mu         sync.Mutex
	bindings   map[string]binding // queue → binding
	responses  [][]byte
	events     [][]byte
	publishErr error

	BindCalls   int
	UnbindCalls int
}

// New creates an empty MemoryBus.
func New() *MemoryBus {
	return &MemoryBus{bindings: make(map[string]binding)}
}

// BindCampaignQueue registers a handler for the queue.
func (b *MemoryBus) BindCampaignQueue(queue, campaignID string, handler broker.HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.bindings[queue]; exists {
		return broker.ErrAlreadyBound
	}
	b.bindings[queue] = binding{campaignID: campaignID, handler: handler}
	b.BindCalls++
	return nil
}

// UnbindCampaignQueue removes the queue's binding.
func (b *MemoryBus) UnbindCampaignQueue(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.bindings[queue]; !exists {
		return broker.ErrNotBound
	}
	delete(b.bindings, queue)
	b.UnbindCalls++
	return nil
}

// PublishResponse records a published bid response.
func (b *MemoryBus) PublishResponse(body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.responses = append(b.responses, body)
	return nil
}

// PublishEvent records a published fleet event.
func (b *MemoryBus) PublishEvent(body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, body)
	return nil
}

// Close is a no-op.
func (b *MemoryBus) Close() error { return nil }

// SetPublishError makes subsequent PublishResponse calls fail.
func (b *MemoryBus) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Deliver routes one request body to every queue bound to the campaign's
// routing key, invoking handlers synchronously. It returns how many
// handlers acknowledged and how many rejected.
func (b *MemoryBus) Deliver(campaignID string, body []byte) (acked, nacked int) {
	key := bidding.RoutingKey(campaignID)

	b.mu.Lock()
	handlers := make([]broker.HandlerFunc, 0, 2)
	for _, bind := range b.bindings {
		if bidding.RoutingKey(bind.campaignID) == key {
			handlers = append(handlers, bind.handler)
		}
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(body); err != nil {
			nacked++
		} else {
			acked++
		}
	}
	return acked, nacked
}

// BoundQueues returns the names of all currently bound queues.
func (b *MemoryBus) BoundQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	queues := make([]string, 0, len(b.bindings))
	for queue := range b.bindings {
		queues = append(queues, queue)
	}
	return queues
}

// Responses returns the recorded bid responses.
func (b *MemoryBus) Responses() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.responses))
	copy(out, b.responses)
	return out
}

// Events returns the recorded fleet events.
func (b *MemoryBus) Events() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.events))
	copy(out, b.events)
	return out
}
