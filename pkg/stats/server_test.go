// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	membus "github.com/luxfi/bidfleet/internal/testing/bus"
	memdir "github.com/luxfi/bidfleet/internal/testing/directory"
	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/config"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/store"
	"github.com/luxfi/bidfleet/pkg/strategy"
	"github.com/luxfi/bidfleet/pkg/supervisor"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	ledger, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	spawner := supervisor.New(
		config.Config{},
		memdir.New(),
		membus.New(),
		strategy.NewEngine(),
		ledger,
		ledger,
		nil,
		nil,
		log.NoOp(),
	)
	return NewServer(0, spawner, ledger, nil, NewHub(log.NoOp()), log.NoOp()), ledger
}

func TestHealthzEndpoint(t *testing.T) {
	require := require.New(t)
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(http.StatusOK, rec.Code)
	require.JSONEq(`{"status":"healthy"}`, rec.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	require := require.New(t)
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(http.StatusOK, rec.Code)

	var stats supervisor.Stats
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Empty(stats.Workers)
	require.False(stats.Timestamp.IsZero())
}

func TestBidsEndpoint(t *testing.T) {
	require := require.New(t)
	s, ledger := testServer(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(ledger.RecordBid(bidding.BidResponse{
			AuctionID: string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bids?limit=2", nil))

	require.Equal(http.StatusOK, rec.Code)
	var bids []bidding.BidResponse
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &bids))
	require.Len(bids, 2)
	require.Equal("c", bids[1].AuctionID)
}

func TestMetricsEndpoint(t *testing.T) {
	require := require.New(t)
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(http.StatusOK, rec.Code)
}

func TestPublishNeverBlocksOnSlowClient(t *testing.T) {
	require := require.New(t)
	hub := NewHub(log.NoOp())

	// Register a client whose send buffer is already full and whose writer
	// never drains it.
	conn := &websocket.Conn{}
	send := make(chan bidding.FleetEvent, 2)
	send <- bidding.FleetEvent{}
	send <- bidding.FleetEvent{}
	hub.mu.Lock()
	hub.conns[conn] = send
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.Publish(bidding.FleetEvent{Type: bidding.EventBidPublished})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow client")
	}

	// The stalled client was dropped and its channel closed, which is what
	// ends its writer loop.
	hub.mu.Lock()
	_, registered := hub.conns[conn]
	hub.mu.Unlock()
	require.False(registered)

	drained := 0
	for range send {
		drained++
	}
	require.Equal(2, drained)
}

func TestEventStream(t *testing.T) {
	require := require.New(t)
	hub := NewHub(log.NoOp())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.handleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer conn.Close()

	ev := bidding.FleetEvent{
		Type:      bidding.EventBidPublished,
		BotID:     "bot-sports-1",
		AuctionID: "auction-1",
		Amount:    1.01,
		Timestamp: time.Now().UTC(),
	}

	// The hub registers the connection on upgrade; give it a beat before
	// publishing.
	require.Eventually(func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.conns) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(ev)

	require.NoError(conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got bidding.FleetEvent
	require.NoError(conn.ReadJSON(&got))
	require.Equal(ev.Type, got.Type)
	require.Equal(ev.AuctionID, got.AuctionID)
	require.Equal(ev.Amount, got.Amount)
}
