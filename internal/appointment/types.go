package appointment

import (
	"context"
	"time"
)

// Record is one booked consultant meeting, captured from a live call.
type Record struct {
	ID               string    `json:"id"`
	CustomerName     string    `json:"customer_name"`
	Email            string    `json:"email"`
	PreferredDay     string    `json:"preferred_day"`
	PreferredTime    string    `json:"preferred_time"`
	Phone            string    `json:"phone"`
	Notes            string    `json:"notes"`
	StreamSID        string    `json:"stream_sid"`
	ToolCallID       string    `json:"tool_call_id"`
	ConfirmationCode string    `json:"confirmation_code"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store persists appointment records. Records are append-only.
type Store interface {
	Save(ctx context.Context, record Record) error
	Close() error
}
