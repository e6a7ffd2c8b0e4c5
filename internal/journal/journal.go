// Package journal records the outcome of every device migration.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusMigrated Status = "migrated"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
	StatusDryRun   Status = "dry-run"
)

// Record is the outcome of one device.
type Record struct {
	RunID          uuid.UUID `json:"runId" bson:"runId"`
	Fleet          string    `json:"fleet" bson:"fleet"`
	DeviceUUID     string    `json:"deviceUuid" bson:"deviceUuid"`
	DeviceName     string    `json:"deviceName,omitempty" bson:"deviceName,omitempty"`
	Status         Status    `json:"status" bson:"status"`
	Reason         string    `json:"reason,omitempty" bson:"reason,omitempty"`
	TargetDeviceID int64     `json:"targetDeviceId,omitempty" bson:"targetDeviceId,omitempty"`
	ConfigFile     string    `json:"configFile,omitempty" bson:"configFile,omitempty"`
	StartedAt      time.Time `json:"startedAt" bson:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt" bson:"finishedAt"`
}

// Sink receives records. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, r Record) error
	Close(ctx context.Context) error
}

// Summary counts records per status.
type Summary struct {
	RunID    uuid.UUID      `json:"runId"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}

func Summarize(runID uuid.UUID, records []Record) Summary {
	s := Summary{RunID: runID, ByStatus: map[Status]int{}}
	for _, r := range records {
		s.Total++
		s.ByStatus[r.Status]++
	}
	return s
}
