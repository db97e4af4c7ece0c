// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package broker provides the message-bus layer between the bidding fleet
// and the external auction engine. The contract is AMQP 0-9-1: direct
// exchanges routed per campaign, auto-deleting queues with a short TTL,
// manual acknowledgment, and nack without requeue on processing errors.
package broker

import (
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/log"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrAlreadyBound = errors.New("queue already bound")
	ErrNotBound     = errors.New("queue not bound")
	ErrClosed       = errors.New("broker closed")
)

// reconnectInterval is the fixed delay between redial attempts after a
// connection loss.
const reconnectInterval = 5 * time.Second

// queueTTL is the broker-side message TTL on per-campaign queues.
const queueTTL = 10 * time.Second

// HandlerFunc processes one delivered message body. A nil return
// acknowledges the message; a non-nil return rejects it without requeue.
type HandlerFunc func(body []byte) error

// Bus is the transport surface workers depend on. The AMQP implementation
// is AMQPBus; tests substitute an in-memory fake.
type Bus interface {
	// BindCampaignQueue declares the named queue, binds it to the request
	// exchange under the campaign's routing key, and starts consuming into
	// handler. Binding an already-bound queue returns ErrAlreadyBound.
	BindCampaignQueue(queue, campaignID string, handler HandlerFunc) error

	// UnbindCampaignQueue cancels the queue's consumer and deletes the
	// queue. It does not return until no further handler invocation is
	// possible.
	UnbindCampaignQueue(queue string) error

	// PublishResponse publishes a bid response to the response exchange.
	PublishResponse(body []byte) error

	// PublishEvent publishes a fleet event to the fanout event exchange.
	PublishEvent(body []byte) error

	Close() error
}

// amqpChannel is the slice of *amqp.Channel the bus uses. Tests substitute
// a fake to drive the consume and cancel paths without a live broker.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPBus implements Bus over a single AMQP connection and channel shared
// by all workers in the process.
type AMQPBus struct {
	mu       sync.Mutex
	url      string
	prefetch int
	conn     *amqp.Connection
	ch       amqpChannel
	subs     map[string]*subscription
	closed   bool
	log      log.Logger
}

type subscription struct {
	consumerTag string
	done        chan struct{}
}

// Connect dials the broker, opens a channel, and declares the exchange
// topology. The caller treats a failure here as fatal; any later connection
// loss is retried on a fixed interval until Close.
func Connect(url string, prefetch int, logger log.Logger) (*AMQPBus, error) {
	b := &AMQPBus{
		url:      url,
		prefetch: prefetch,
		subs:     make(map[string]*subscription),
		log:      logger,
	}
	if err := b.dial(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) dial() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := declareExchanges(ch); err != nil {
		conn.Close()
		return err
	}

	if b.prefetch > 0 {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			conn.Close()
			return err
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	go b.watchClose(conn)
	return nil
}

func declareExchanges(ch amqpChannel) error {
	declarations := []struct {
		name, kind string
	}{
		{bidding.RequestExchange, "direct"},
		{bidding.ResponseExchange, "direct"},
		{bidding.EventExchange, "fanout"},
		{bidding.DeadLetterExchange, "direct"},
	}
	for _, d := range declarations {
		if err := ch.ExchangeDeclare(d.name, d.kind, true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// watchClose redials on connection loss until the bus is closed. Existing
// consumer registrations are not restored; the supervisor's health loop
// detects the silent workers and restarts them, rebuilding their bindings.
func (b *AMQPBus) watchClose(conn *amqp.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if err == nil {
		return // clean shutdown
	}

	b.log.Warn("broker connection lost", "error", err)

	b.mu.Lock()
	b.conn = nil
	b.ch = nil
	for queue := range b.subs {
		delete(b.subs, queue)
	}
	b.mu.Unlock()

	for {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		if err := b.dial(); err != nil {
			b.log.Warn("broker reconnect failed", "error", err)
			time.Sleep(reconnectInterval)
			continue
		}

		b.log.Info("broker reconnected")
		return
	}
}

// BindCampaignQueue declares a non-durable, auto-deleting queue with a 10s
// message TTL and consumes it with manual acknowledgment.
func (b *AMQPBus) BindCampaignQueue(queue, campaignID string, handler HandlerFunc) error {
	b.mu.Lock()
	if b.ch == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	if _, exists := b.subs[queue]; exists {
		b.mu.Unlock()
		return ErrAlreadyBound
	}
	ch := b.ch
	b.mu.Unlock()

	// Per-message TTL, deliberately not x-expires: a stale bid request is
	// worthless past its auction deadline and should age out, while the
	// queue itself lives until its consumer goes away (auto-delete).
	args := amqp.Table{"x-message-ttl": int32(queueTTL.Milliseconds())}
	if _, err := ch.QueueDeclare(queue, false, true, false, false, args); err != nil {
		return err
	}

	if err := ch.QueueBind(queue, bidding.RoutingKey(campaignID), bidding.RequestExchange, false, nil); err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue, queue, false, false, false, false, nil)
	if err != nil {
		return err
	}

	sub := &subscription{consumerTag: queue, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[queue] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for d := range deliveries {
			if err := handler(d.Body); err != nil {
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}()

	return nil
}

// UnbindCampaignQueue cancels the consumer, waits for its dispatch loop to
// drain, and deletes the queue.
func (b *AMQPBus) UnbindCampaignQueue(queue string) error {
	b.mu.Lock()
	sub, exists := b.subs[queue]
	if !exists {
		b.mu.Unlock()
		return ErrNotBound
	}
	delete(b.subs, queue)
	ch := b.ch
	b.mu.Unlock()

	if ch == nil {
		return nil // connection already gone, consumer died with it
	}

	if err := ch.Cancel(sub.consumerTag, false); err != nil {
		// A failed cancel means the channel is dying and will close the
		// delivery stream itself; still wait so no handler callback can
		// fire after this call returns.
		<-sub.done
		return err
	}
	<-sub.done

	_, err := ch.QueueDelete(queue, false, false, false)
	return err
}

// PublishResponse publishes to the response exchange with an empty routing
// key, as the auction engine binds it.
func (b *AMQPBus) PublishResponse(body []byte) error {
	return b.publish(bidding.ResponseExchange, "", body)
}

// PublishEvent publishes to the fanout event exchange.
func (b *AMQPBus) PublishEvent(body []byte) error {
	return b.publish(bidding.EventExchange, "", body)
}

func (b *AMQPBus) publish(exchange, key string, body []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

// Close shuts the connection down and stops the reconnect loop.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.ch = nil
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
