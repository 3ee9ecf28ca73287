package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overtonx/donation-relay/embedded"
)

type (
	Worker           = embedded.Worker
	MetricsCollector = embedded.MetricsCollector
)

// isoMillis mirrors the millisecond ISO-8601 rendering used on every timestamp we emit.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ConnectionStatus is the lifecycle state of the inbound subscription.
type ConnectionStatus string

const (
	StatusStarting     ConnectionStatus = "starting"
	StatusRunning      ConnectionStatus = "running"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Known DonationEvent fields.
const (
	FieldTransactionID   = "TransactionId"
	FieldDonatorNickname = "DonatorNickname"
	FieldTotalAmount     = "TotalAmount"
	FieldDonatorMessage  = "DonatorMessage"
	FieldAWSPublicLink   = "AWSPublicLink"
	FieldAudioDuration   = "AudioDuration"
)

// DonationEvent is the donation alert as received from the channel.
// Unknown fields are preserved untouched.
type DonationEvent map[string]any

// DecodeDonationEvent decodes a JSON object keeping numbers as json.Number,
// so amounts survive re-encoding byte for byte.
func DecodeDonationEvent(data []byte) (DonationEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var event DonationEvent
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode donation event: %w", err)
	}
	if event == nil {
		return nil, fmt.Errorf("donation event is null")
	}
	return event, nil
}

func (e DonationEvent) TransactionID() any   { return e[FieldTransactionID] }
func (e DonationEvent) DonatorNickname() any { return e[FieldDonatorNickname] }
func (e DonationEvent) TotalAmount() any     { return e[FieldTotalAmount] }

// OutboundPayload is the body POSTed to the webhook target.
// Known fields missing from the event are left out of the JSON document.
type OutboundPayload struct {
	TransactionID   any           `json:"transactionId,omitempty"`
	DonatorNickname any           `json:"donatorNickname,omitempty"`
	TotalAmount     any           `json:"totalAmount,omitempty"`
	DonatorMessage  any           `json:"donatorMessage,omitempty"`
	AWSPublicLink   any           `json:"awsPublicLink,omitempty"`
	AudioDuration   any           `json:"audioDuration,omitempty"`
	Timestamp       string        `json:"timestamp"`
	OriginalEvent   DonationEvent `json:"originalEvent"`
}

// NewOutboundPayload derives the outbound payload for a single delivery attempt.
func NewOutboundPayload(event DonationEvent, attemptedAt time.Time) OutboundPayload {
	return OutboundPayload{
		TransactionID:   event[FieldTransactionID],
		DonatorNickname: event[FieldDonatorNickname],
		TotalAmount:     event[FieldTotalAmount],
		DonatorMessage:  event[FieldDonatorMessage],
		AWSPublicLink:   event[FieldAWSPublicLink],
		AudioDuration:   event[FieldAudioDuration],
		Timestamp:       formatTimestamp(attemptedAt),
		OriginalEvent:   event,
	}
}

// LastEvent is the summary of the most recently received donation.
type LastEvent struct {
	Timestamp       string `json:"timestamp"`
	DonatorNickname any    `json:"donatorNickname"`
	TotalAmount     any    `json:"totalAmount"`
	TransactionID   any    `json:"transactionId"`
}

// StatusSnapshot is a point-in-time copy of the StatusModel.
type StatusSnapshot struct {
	Status          ConnectionStatus
	PusherConnected bool
	StartTime       time.Time
	WebhooksSent    int64
	WebhooksFailed  int64
	LastEvent       *LastEvent
}

// Subscription identifies the channel and donation event the relay listens to.
type Subscription struct {
	AppKey    string
	Cluster   string
	Channel   string
	EventName string
}

func (s Subscription) validate() error {
	switch {
	case s.AppKey == "":
		return fmt.Errorf("%w: app key is required", ErrInvalidSubscription)
	case s.Cluster == "":
		return fmt.Errorf("%w: cluster is required", ErrInvalidSubscription)
	case s.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidSubscription)
	case s.EventName == "":
		return fmt.Errorf("%w: event name is required", ErrInvalidSubscription)
	}
	return nil
}

// stringOf renders an opaque event value for logs and headers; absent values become "".
func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
