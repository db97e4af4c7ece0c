// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists fleet observability data: the latest health
// snapshot per worker and a ledger of published bids, both served back by
// the stats API.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/worker"
)

const (
	healthPrefix = "health/"
	bidPrefix    = "bids/"
)

// Store wraps luxfi's database interface.
type Store struct {
	db database.Database
}

// Open creates a store at path. An empty path selects the in-memory
// backend, used by tests and when no persistence is configured.
func Open(path string) (*Store, error) {
	if path == "" {
		return &Store{db: memdb.New()}, nil
	}
	db, err := badgerdb.New(path, nil, "", nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// PutHealthSnapshot stores the latest health record for a worker,
// overwriting the previous one.
func (s *Store) PutHealthSnapshot(record worker.HealthRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(healthPrefix+record.BotID), value)
}

// DeleteHealthSnapshot removes a retired worker's record.
func (s *Store) DeleteHealthSnapshot(botID string) error {
	return s.db.Delete([]byte(healthPrefix + botID))
}

// HealthSnapshots returns the stored record of every known worker.
func (s *Store) HealthSnapshots() ([]worker.HealthRecord, error) {
	it := s.db.NewIteratorWithPrefix([]byte(healthPrefix))
	defer it.Release()

	var records []worker.HealthRecord
	for it.Next() {
		var record worker.HealthRecord
		if err := json.Unmarshal(it.Value(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, it.Error()
}

// RecordBid appends a published bid to the ledger, keyed by publish time so
// iteration returns chronological order.
func (s *Store) RecordBid(resp bidding.BidResponse) error {
	value, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d/%s", bidPrefix, resp.Timestamp.UnixNano(), resp.AuctionID)
	return s.db.Put([]byte(key), value)
}

// RecentBids returns up to limit of the most recently recorded bids, newest
// last.
func (s *Store) RecentBids(limit int) ([]bidding.BidResponse, error) {
	it := s.db.NewIteratorWithPrefix([]byte(bidPrefix))
	defer it.Release()

	var bids []bidding.BidResponse
	for it.Next() {
		var resp bidding.BidResponse
		if err := json.Unmarshal(it.Value(), &resp); err != nil {
			continue
		}
		bids = append(bids, resp)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(bids) > limit {
		bids = bids[len(bids)-limit:]
	}
	return bids, nil
}

// PruneBidsBefore drops ledger entries older than the cutoff.
func (s *Store) PruneBidsBefore(cutoff time.Time) error {
	it := s.db.NewIteratorWithPrefix([]byte(bidPrefix))
	defer it.Release()

	batch := s.db.NewBatch()
	limitKey := fmt.Sprintf("%s%020d", bidPrefix, cutoff.UnixNano())
	for it.Next() {
		if string(it.Key()) >= limitKey {
			break
		}
		if err := batch.Delete(it.Key()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
