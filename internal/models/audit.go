package models

import "time"

// ErrorType numeric code stored on the raw audit record
type ErrorType int

const (
	ErrTypeForeign     ErrorType = 0 // no kk prefix; not a tally message
	ErrTypeUnparseable ErrorType = 1
	ErrTypeUnknownUID  ErrorType = 2
	ErrTypeIncomplete  ErrorType = 3
	ErrTypeCeiling     ErrorType = 4
	ErrTypeProcessing  ErrorType = 5 // registry or gateway failure
)

// AuditStatus outcome written next to the raw message
type AuditStatus string

const (
	AuditAccepted     AuditStatus = "Accepted"
	AuditRejected     AuditStatus = "Rejected"
	AuditCheckGateway AuditStatus = "Check Gateway"
)

// RawMessage audit copy of every inbound gateway message
type RawMessage struct {
	ID          string      `json:"id"`
	Channel     Channel     `json:"channel"`
	MessageID   string      `json:"message_id"`
	ReceivedAt  time.Time   `json:"received_at"`
	Sender      string      `json:"sender"`
	GatewayPort int         `json:"gateway_port"`
	GatewayID   string      `json:"gateway_id"`
	Text        string      `json:"text"`
	ErrorType   *ErrorType  `json:"error_type,omitempty"`
	Status      AuditStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// GatewayHeartbeat liveness record for one gateway
type GatewayHeartbeat struct {
	Channel     Channel   `json:"channel"`
	GatewayID   string    `json:"gateway_id"`
	GatewayPort int       `json:"gateway_port"`
	Status      string    `json:"status"`
	LastCheck   time.Time `json:"last_check"`
}

// GatewayActive status written by a heartbeat
const GatewayActive = "Active"
