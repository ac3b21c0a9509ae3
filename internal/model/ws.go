package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeRegister              MessageType = "register-terminal"
	MessageTypeRegistered            MessageType = "registration-confirmed"
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"
	MessageTypeNewOrder              MessageType = "new-order"
	MessageTypeOrderStatus           MessageType = "order-status-update"
	MessageTypePrintCommand          MessageType = "print-command"
	MessageTypePrintCommandCompleted MessageType = "print-command-completed"
	MessageTypePrintCommandFailed    MessageType = "print-command-failed"
	MessageTypePrintEvent            MessageType = "print-event"
)

// --- WebSocket Messages ---

type WSMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"` // Keep raw to parse into specific structs
}

// NewMessage marshals data into a message of the given type.
func NewMessage(t MessageType, data any) (WSMessage, error) {
	msg := WSMessage{Type: t}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("encode %s: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m WSMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// TerminalRegistration is sent on every (re)connect.
type TerminalRegistration struct {
	Location   string `json:"location"`
	TerminalID string `json:"terminalId"`
	Capable    bool   `json:"capable"`
}

type RegistrationConfirmed struct {
	Location           string `json:"location"`
	ConnectedTerminals int    `json:"connectedTerminals"`
}

// PrintCommand asks whichever terminal can reach the printer to print the
// order. The full order travels with it so receivers never re-query the store.
type PrintCommand struct {
	Order         Order     `json:"order"`
	PrinterIP     string    `json:"printer_ip"`
	PrinterPort   int       `json:"printer_port"`
	InitiatedBy   string    `json:"initiated_by"`
	InitiatedFrom string    `json:"initiated_from"`
	Timestamp     time.Time `json:"timestamp"`
	// Manual marks an operator re-trigger. Receivers skip the duplicate
	// guard for it.
	Manual bool `json:"manual,omitempty"`
}

// PrintCommandResult reports the outcome of a PrintCommand. It is published
// as print-command-completed or print-command-failed.
type PrintCommandResult struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Success     bool      `json:"-"`
	Error       string    `json:"error,omitempty"`
	ExecutedBy  string    `json:"executed_by"`
	ExecutedOn  string    `json:"executed_on,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageType is the bus message this result travels as.
func (r PrintCommandResult) MessageType() MessageType {
	if r.Success {
		return MessageTypePrintCommandCompleted
	}
	return MessageTypePrintCommandFailed
}

// PrintEvent is the informational "someone printed X" message.
type PrintEvent struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	PrintedBy   string    `json:"printed_by"`
	Path        string    `json:"path"`
	Timestamp   time.Time `json:"timestamp"`
}
