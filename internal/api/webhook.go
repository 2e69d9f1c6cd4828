/**
 * @description
 * This file implements the inbound webhook endpoint for Paystack events. The
 * handler authenticates each delivery by recomputing the HMAC-SHA512 of the
 * raw body with the webhook secret and comparing it to the signature header in
 * constant time. Verified events are deduplicated, dispatched to the service,
 * and always acknowledged with 200 so the processor does not redeliver events
 * we have already accepted.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha512, encoding/hex, encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For event dispatch and payload models.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/coverly/settlement-service/internal/app"
	"github.com/coverly/settlement-service/internal/domain"
)

const signatureHeader = "x-paystack-signature"

// maxWebhookBody caps the request body we are willing to read; Paystack
// payloads are small and anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// WebhookHandler receives and verifies Paystack webhook deliveries.
type WebhookHandler struct {
	service *app.Service
	deduper app.EventDeduper
	secret  string
}

// NewWebhookHandler creates a webhook handler bound to the settlement service.
func NewWebhookHandler(service *app.Service, deduper app.EventDeduper, secret string) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		deduper: deduper,
		secret:  secret,
	}
}

// HandleWebhook processes one webhook delivery. The signature is checked over
// the exact raw bytes received, before any JSON parsing.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(signatureHeader)
	if !h.verifySignature(body, signature) {
		log.Printf("level=warn component=webhook msg=\"invalid webhook signature\" remote=%s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	var event domain.PaystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Event == "" {
		http.Error(w, "Malformed event payload", http.StatusBadRequest)
		return
	}

	key := eventKey(event, signature)
	first, err := h.deduper.MarkProcessed(r.Context(), key)
	if err != nil {
		// Dedupe store unavailable: process anyway, the transition guard and
		// outbox dedupe key make a duplicate harmless.
		log.Printf("level=warn component=webhook msg=\"dedupe check failed; processing anyway\" event=%s err=%v", event.Event, err)
	} else if !first {
		log.Printf("level=info component=webhook event=%s msg=\"duplicate delivery; acknowledging\"", event.Event)
		h.acknowledge(w)
		return
	}

	if err := h.dispatch(r, event); err != nil {
		// Release the dedupe record so the processor's redelivery is
		// processed rather than swallowed as a duplicate. Charge events have
		// no poll/sweep backstop, so losing the redelivery would lose the
		// event for good.
		if forgetErr := h.deduper.Forget(r.Context(), key); forgetErr != nil {
			log.Printf("level=warn component=webhook event=%s msg=\"failed to release dedupe key\" err=%v", event.Event, forgetErr)
		}
		log.Printf("level=error component=webhook event=%s err=%v", event.Event, err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	h.acknowledge(w)
}

func (h *WebhookHandler) dispatch(r *http.Request, event domain.PaystackWebhookEvent) error {
	switch event.Event {
	case domain.EventTransferSuccess, domain.EventTransferFailed, domain.EventTransferReversed:
		var data domain.TransferEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			log.Printf("level=warn component=webhook event=%s msg=\"unparseable transfer payload; acknowledging\" err=%v", event.Event, err)
			return nil
		}
		return h.service.HandleTransferEvent(r.Context(), event.Event, data)

	case domain.EventChargeSuccess, domain.EventChargeFailed:
		var data domain.ChargeEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			log.Printf("level=warn component=webhook event=%s msg=\"unparseable charge payload; acknowledging\" err=%v", event.Event, err)
			return nil
		}
		return h.service.HandleChargeEvent(r.Context(), event.Event, data)

	default:
		// Unknown event types are acknowledged and dropped.
		log.Printf("level=info component=webhook event=%s msg=\"ignoring unhandled event type\"", event.Event)
		return nil
	}
}

// eventKey builds the idempotency key for a delivery: event type plus the
// payload reference, so a redelivered report for the same attempt is dropped
// even if the surrounding payload differs. Referenceless payloads fall back
// to the signature, a deterministic digest of the body.
func eventKey(event domain.PaystackWebhookEvent, signature string) string {
	var probe struct {
		Reference string `json:"reference"`
	}
	_ = json.Unmarshal(event.Data, &probe)
	if probe.Reference == "" {
		return event.Event + ":" + signature
	}
	return event.Event + ":" + probe.Reference
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *WebhookHandler) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}
