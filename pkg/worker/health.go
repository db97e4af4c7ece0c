// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import "time"

// HealthStatus is a worker's self-reported condition.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

// HealthRecord is one worker's health snapshot. Workers send records to the
// supervisor's aggregation loop on a fixed interval and after every
// processed bid; the supervisor restarts a worker whose record goes stale.
type HealthRecord struct {
	BotID         string       `json:"botId"`
	Category      string       `json:"category"`
	Status        HealthStatus `json:"status"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	BidsProcessed uint64       `json:"bidsProcessed"`
	Errors        uint64       `json:"errors"`
}

// Stale reports whether the record's heartbeat is older than the threshold.
func (r *HealthRecord) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > threshold
}
