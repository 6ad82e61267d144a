// Package storage keeps an append-only audit log of alert deliveries and
// announcements. Notification state is never stored here.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database at Path (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one delivery or operator action.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Channel  string    `json:"channel,omitempty"`
	ActorID  int64     `json:"actor_id,omitempty"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Audit actions.
const (
	ActionAlert        = "alert"
	ActionManualAlert  = "alert.manual"
	ActionAnnouncement = "announcement"
)

// Store is the persistence API used by the notifier and commands.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}
