package model

import "time"

// Session is the per-terminal context handed to every component constructor.
type Session struct {
	Location   string
	TerminalID string
	Operator   string
	Capable    bool
	Printer    PrinterAddress
}

// AllLocations reports whether this terminal watches every site.
func (s Session) AllLocations() bool {
	return s.Location == "" || s.Location == "*"
}

// Accepts reports whether an order belongs to this terminal's location.
func (s Session) Accepts(o Order) bool {
	return s.AllLocations() || o.Location == "" || o.Location == s.Location
}

// --- Operator notifications ---

type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
)

type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	OrderID string            `json:"order_id,omitempty"`
	RunID   string            `json:"run_id,omitempty"`
	Remote  bool              `json:"remote,omitempty"`
	At      time.Time         `json:"at"`
}
