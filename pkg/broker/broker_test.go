// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/log"
)

// fakeChannel implements amqpChannel in memory. Cancel closes the delivery
// stream the way a real channel does, including when it reports an error.
type fakeChannel struct {
	mu             sync.Mutex
	declaredQueues map[string]amqp.Table
	bindings       map[string]string // queue → routing key
	streams        map[string]chan amqp.Delivery
	canceled       []string
	deletedQueues  []string
	published      []publishedMessage
	cancelErr      error
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declaredQueues: make(map[string]amqp.Table),
		bindings:       make(map[string]string),
		streams:        make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declaredQueues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[name] = key
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := make(chan amqp.Delivery, 8)
	f.streams[consumer] = stream
	return stream, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, consumer)
	if stream, ok := f.streams[consumer]; ok {
		close(stream)
		delete(f.streams, consumer)
	}
	return f.cancelErr
}

func (f *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedQueues = append(f.deletedQueues, name)
	return 0, nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) deliver(consumer string, d amqp.Delivery) {
	f.mu.Lock()
	stream := f.streams[consumer]
	f.mu.Unlock()
	stream <- d
}

// fakeAcknowledger records ack/nack outcomes per delivery tag.
type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

type nackCall struct {
	tag     uint64
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func newFakeBus(ch amqpChannel) *AMQPBus {
	return &AMQPBus{
		ch:   ch,
		subs: make(map[string]*subscription),
		log:  log.NoOp(),
	}
}

func TestBindCampaignQueueTopology(t *testing.T) {
	require := require.New(t)
	fake := newFakeChannel()
	b := newFakeBus(fake)

	queue := bidding.QueueName("camp-1")
	require.NoError(b.BindCampaignQueue(queue, "camp-1", func([]byte) error { return nil }))

	args, declared := fake.declaredQueues[queue]
	require.True(declared)
	require.Equal(int32(queueTTL.Milliseconds()), args["x-message-ttl"])
	require.Equal(bidding.RoutingKey("camp-1"), fake.bindings[queue])

	require.ErrorIs(b.BindCampaignQueue(queue, "camp-1", func([]byte) error { return nil }), ErrAlreadyBound)
}

func TestConsumeAckAndNackWithoutRequeue(t *testing.T) {
	require := require.New(t)
	fake := newFakeChannel()
	b := newFakeBus(fake)
	ack := &fakeAcknowledger{}

	queue := bidding.QueueName("camp-1")
	handler := func(body []byte) error {
		if string(body) == "bad" {
			return errors.New("decode failed")
		}
		return nil
	}
	require.NoError(b.BindCampaignQueue(queue, "camp-1", handler))

	fake.deliver(queue, amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{}")})
	fake.deliver(queue, amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")})

	require.NoError(b.UnbindCampaignQueue(queue))

	ack.mu.Lock()
	defer ack.mu.Unlock()
	require.Equal([]uint64{1}, ack.acks)
	require.Equal([]nackCall{{tag: 2, requeue: false}}, ack.nacks)
	require.Equal([]string{queue}, fake.deletedQueues)
}

func TestUnbindWaitsForInFlightHandler(t *testing.T) {
	require := require.New(t)
	fake := newFakeChannel()
	fake.cancelErr = errors.New("channel dead")
	b := newFakeBus(fake)

	started := make(chan struct{})
	var finished atomic.Bool
	handler := func([]byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}

	queue := bidding.QueueName("camp-1")
	require.NoError(b.BindCampaignQueue(queue, "camp-1", handler))
	fake.deliver(queue, amqp.Delivery{Acknowledger: &fakeAcknowledger{}, DeliveryTag: 1})
	<-started

	// Even when cancel fails, no handler callback may outlive the unbind.
	err := b.UnbindCampaignQueue(queue)
	require.ErrorIs(err, fake.cancelErr)
	require.True(finished.Load())
}

func TestUnbindNotBound(t *testing.T) {
	require := require.New(t)
	b := newFakeBus(newFakeChannel())
	require.ErrorIs(b.UnbindCampaignQueue("campaign.camp-1.bids"), ErrNotBound)
}

func TestPublishTargets(t *testing.T) {
	require := require.New(t)
	fake := newFakeChannel()
	b := newFakeBus(fake)

	require.NoError(b.PublishResponse([]byte(`{"auctionId":"a"}`)))
	require.NoError(b.PublishEvent([]byte(`{"type":"bid_published"}`)))

	require.Len(fake.published, 2)
	require.Equal(bidding.ResponseExchange, fake.published[0].exchange)
	require.Empty(fake.published[0].key)
	require.Equal("application/json", fake.published[0].msg.ContentType)
	require.Equal(bidding.EventExchange, fake.published[1].exchange)
}

func TestPublishNotConnected(t *testing.T) {
	require := require.New(t)
	b := &AMQPBus{subs: make(map[string]*subscription), log: log.NoOp()}
	require.ErrorIs(b.PublishResponse(nil), ErrNotConnected)
}
