package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/arkwell/gatekeeper/internal/service"
)

// Checkout metadata key linking a Stripe session back to the node it pays for.
const metadataNodeCode = "node_code"

// Stripe limits webhook payloads well below this; larger bodies are abuse.
const maxWebhookBody = 65536

// PaymentsHandler bridges Stripe checkout to the payment grant path. The
// webhook is the source of truth: access is granted only after Stripe
// confirms the session, never on redirect.
type PaymentsHandler struct {
	access        *service.AccessService
	webhookSecret string
	successURL    string
	cancelURL     string
	log           zerolog.Logger
}

// NewPaymentsHandler creates a new payments handler
func NewPaymentsHandler(access *service.AccessService, webhookSecret, successURL, cancelURL string, log zerolog.Logger) *PaymentsHandler {
	return &PaymentsHandler{
		access:        access,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
		log:           log,
	}
}

// Checkout handles checkout session creation. The caller identity rides in
// client_reference_id and the target node in session metadata, so the webhook
// can route the completed payment without any server-side session state.
func (h *PaymentsHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		NodeCode string `json:"node_code"`
		PriceID  string `json:"price_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeCode == "" || req.PriceID == "" {
		http.Error(w, "Node code and price ID are required", http.StatusBadRequest)
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(userID),
		SuccessURL:        stripe.String(h.successURL),
		CancelURL:         stripe.String(h.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata(metadataNodeCode, req.NodeCode)

	sess, err := session.New(params)
	if err != nil {
		h.log.Error().Err(err).Str("node_code", req.NodeCode).Msg("checkout session creation failed")
		http.Error(w, "Failed to create checkout session", http.StatusBadGateway)
		return
	}

	h.log.Info().
		Str("session_id", sess.ID).
		Str("user_id", userID).
		Str("node_code", req.NodeCode).
		Msg("checkout session created")

	respondJSON(w, http.StatusOK, map[string]string{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

// Webhook handles Stripe event delivery. Signature verification rejects
// forged payloads; replays are absorbed downstream by the payment-reference
// idempotency key. Processing errors return 5xx so Stripe retries.
func (h *PaymentsHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.log.Warn().Err(err).Msg("webhook signature verification failed")
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(r, event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(r, event)
	default:
		h.log.Debug().Str("type", string(event.Type)).Msg("ignoring unhandled webhook event")
	}
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func (h *PaymentsHandler) handleCheckoutCompleted(r *http.Request, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.log.Error().Err(err).Msg("malformed checkout session payload")
		return nil
	}

	userID := sess.ClientReferenceID
	nodeCode := sess.Metadata[metadataNodeCode]
	if userID == "" || nodeCode == "" {
		h.log.Warn().Str("session_id", sess.ID).Msg("checkout session missing routing metadata, ignoring")
		return nil
	}

	meta := map[string]any{"checkout_session_id": sess.ID}
	if sess.Subscription != nil {
		meta["subscription_id"] = sess.Subscription.ID
	}

	rec, granted, err := h.access.GrantViaPayment(r.Context(), userID, nodeCode, sess.ID, meta)
	if err != nil {
		return err
	}

	h.log.Info().
		Str("record_id", rec.ID).
		Str("session_id", sess.ID).
		Bool("granted", granted).
		Msg("checkout completion processed")
	return nil
}

func (h *PaymentsHandler) handleSubscriptionDeleted(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.log.Error().Err(err).Msg("malformed subscription payload")
		return nil
	}

	rec, err := h.access.RevokeBySubscription(r.Context(), sub.ID,
		map[string]any{"revocation_reason": "subscription_cancelled"})
	if err != nil {
		return err
	}
	if rec != nil {
		h.log.Info().
			Str("record_id", rec.ID).
			Str("subscription_id", sub.ID).
			Msg("subscription cancellation processed")
	}
	return nil
}
