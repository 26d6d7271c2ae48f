package models

import "time"

type Tracking struct {
	ID          uint64
	OrderID     uint64
	TrackNumber string
	Carrier     string
	Status      string
	StatusAt    *time.Time

	EstimatedDelivery *time.Time

	LabelData   []byte
	LabelFormat string
	Printed     bool
	PrintedAt   *time.Time

	LastCheckedAt  *time.Time
	NextCheckAt    time.Time
	CheckFailCount int32
	LastError      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingEvent struct {
	ID          uint64
	TrackingID  uint64
	Status      string
	Description string
	Location    *string
	EventTime   time.Time
	CreatedAt   time.Time
}
