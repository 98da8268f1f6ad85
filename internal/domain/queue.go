package domain

import (
	"time"

	"github.com/google/uuid"
)

type QueueState string

const (
	QueueWaiting   QueueState = "waiting"
	QueueCalled    QueueState = "called"
	QueueExpired   QueueState = "expired"
	QueueConverted QueueState = "converted"
)

type QueueEntry struct {
	ID            uuid.UUID  `json:"id"`
	EventID       string     `json:"event_id"`
	UserID        string     `json:"user_id"`
	DeviceID      string     `json:"device_id"`
	Position      int64      `json:"position"`
	State         QueueState `json:"state"`
	JoinedAt      time.Time  `json:"joined_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	AdmitDeadline *time.Time `json:"admit_deadline,omitempty"`
	ConvertedAt   *time.Time `json:"converted_at,omitempty"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
}

// AdmissionOpen reports whether the entry may be converted at now.
func (q *QueueEntry) AdmissionOpen(now time.Time) bool {
	return q.State == QueueCalled && q.AdmitDeadline != nil && now.Before(*q.AdmitDeadline)
}

type QueueStatus struct {
	QueueID              uuid.UUID  `json:"queue_id"`
	EventID              string     `json:"event_id"`
	Position             int64      `json:"position"`
	State                QueueState `json:"state"`
	EstimatedWaitSeconds int64      `json:"estimated_wait_seconds"`
	AdmitDeadline        *time.Time `json:"admit_deadline,omitempty"`
}

type QueueStats struct {
	EventID string `json:"event_id"`
	Waiting int64  `json:"waiting"`
	Called  int64  `json:"called"`
}

type SurgeState string

const (
	SurgeNormal SurgeState = "normal"
	SurgeActive SurgeState = "surge"
)

type SurgeInfo struct {
	EventID   string     `json:"event_id"`
	State     SurgeState `json:"state"`
	Rate      int64      `json:"rate"`
	Since     time.Time  `json:"since"`
	Waiting   int64      `json:"waiting"`
	Called    int64      `json:"called"`
	Threshold int64      `json:"threshold"`
}
