/**
 * @description
 * This file defines the Go structs that model the incoming webhook payloads from
 * Paystack. These structures are essential for safely unmarshaling the JSON data
 * received at the webhook endpoint and processing it in a type-safe manner.
 *
 * @notes
 * - Paystack delivers a flat envelope `{event, data}`; the shape of `data`
 *   depends on the event family (transfer.* vs charge.*), so it is kept as
 *   raw JSON and decoded by the handler once the event type is known.
 */
package domain

import "encoding/json"

// Webhook event types delivered by Paystack. This is a closed set; anything
// else is acknowledged and ignored.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// PaystackWebhookEvent represents the top-level structure of a webhook payload.
type PaystackWebhookEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TransferEventData is the `data` object for transfer.* events.
type TransferEventData struct {
	Amount       int64                  `json:"amount"`
	Currency     string                 `json:"currency"`
	Reference    string                 `json:"reference"`
	TransferCode string                 `json:"transfer_code"`
	Status       string                 `json:"status"`
	Reason       string                 `json:"reason"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ChargeEventData is the `data` object for charge.* events.
type ChargeEventData struct {
	Reference       string                 `json:"reference"`
	Amount          int64                  `json:"amount"`
	Status          string                 `json:"status"`
	GatewayResponse string                 `json:"gateway_response,omitempty"`
	PaidAt          string                 `json:"paid_at,omitempty"`
	Channel         string                 `json:"channel,omitempty"`
	Fees            int64                  `json:"fees,omitempty"`
	Customer        ChargeCustomer         `json:"customer"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ChargeCustomer identifies the paying customer on a charge event.
type ChargeCustomer struct {
	Email string `json:"email"`
}
