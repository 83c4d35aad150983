package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nutri-de-bolso/internal/metrics"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioConfig configures the Twilio WhatsApp transport.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
	// MaxMediaBytes bounds downloads; DefaultMaxMediaBytes when zero.
	MaxMediaBytes int64
}

type twilioMessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioClient sends messages through Twilio and downloads inbound media.
type TwilioClient struct {
	api        twilioMessageCreator
	from       string
	accountSID string
	authToken  string
	httpClient *http.Client
	maxMedia   int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTwilioClient constructs a Twilio-backed transport.
func NewTwilioClient(cfg TwilioConfig, logger *slog.Logger, metricRegistry *metrics.Metrics) (*TwilioClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("from number must be provided")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioClient{
		api:        rest.Api,
		from:       withWhatsAppPrefix(cfg.FromNumber),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: timeout},
		maxMedia:   cfg.MaxMediaBytes,
		logger:     logger.With("component", "wa_twilio"),
		metrics:    metricRegistry,
	}, nil
}

// SendText sends a WhatsApp message using the Twilio API.
func (c *TwilioClient) SendText(ctx context.Context, to, text string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withWhatsAppPrefix(to))
	params.SetFrom(c.from)
	params.SetBody(text)

	if _, err := c.api.CreateMessage(params); err != nil {
		c.metrics.IncOutgoing("twilio", "error")
		return &DeliveryError{Transport: "twilio", To: to, Err: err}
	}
	c.metrics.IncOutgoing("twilio", "ok")
	c.logger.Debug("twilio message sent", "to", to)
	return nil
}

// FetchMedia downloads a MediaUrlN reference using account credentials.
func (c *TwilioClient) FetchMedia(ctx context.Context, ref MediaRef) (Media, error) {
	if ref == "" {
		return Media{}, errors.New("fetch media: empty media url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(ref), nil)
	if err != nil {
		return Media{}, fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Media{}, fmt.Errorf("download media: unexpected status %d", resp.StatusCode)
	}
	data, err := readLimited(resp.Body, c.maxMedia)
	if err != nil {
		return Media{}, fmt.Errorf("read media: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return Media{Data: data, MimeType: mime}, nil
}

// TwilioWebhookHandler receives Twilio's inbound WhatsApp webhook.
type TwilioWebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	validator *twilioClient.RequestValidator
	publicURL string
	processor Processor
}

// NewTwilioWebhookHandler creates the handler. When publicURL is set, the
// X-Twilio-Signature header is validated against it using authToken.
func NewTwilioWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, authToken, publicURL string, processor Processor) *TwilioWebhookHandler {
	h := &TwilioWebhookHandler{
		logger:    logger.With("component", "twilio_webhook"),
		metrics:   metricRegistry,
		publicURL: publicURL,
		processor: processor,
	}
	if publicURL != "" {
		v := twilioClient.NewRequestValidator(authToken)
		h.validator = &v
	}
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *TwilioWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		h.metrics.IncError("twilio_webhook")
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	if h.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !h.validator.Validate(h.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			h.metrics.IncError("twilio_webhook_auth")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))

	msg, ok := ParseTwilioForm(r.PostForm)
	if !ok {
		return
	}
	if h.processor != nil {
		go h.processor.Process(context.WithoutCancel(r.Context()), msg)
	}
}

func withWhatsAppPrefix(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
