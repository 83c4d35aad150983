package wa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nutri-de-bolso/internal/metrics"
)

const maxWebhookBody = 1 << 20

// WebhookHandler serves the Cloud API webhook: the GET verification
// handshake and POSTed message notifications.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	verifyToken string
	appSecret   string
	processor   Processor
}

// NewWebhookHandler creates a new webhook handler. An empty appSecret disables signature checks.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, verifyToken, appSecret string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "wa_webhook"),
		metrics:     metricRegistry,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *WebhookHandler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && h.verifyToken != "" && q.Get("hub.verify_token") == h.verifyToken {
		h.logger.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	h.metrics.IncError("wa_webhook_verify")
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.IncError("wa_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if h.appSecret != "" && !validSignature(h.appSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		h.metrics.IncError("wa_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Acknowledge before processing so the platform does not redeliver.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))

	msg, ok := ParseCloudPayload(body)
	if !ok {
		return
	}
	if h.processor != nil {
		go h.processor.Process(context.WithoutCancel(r.Context()), msg)
	}
}

func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
