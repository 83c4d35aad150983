package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nutri-de-bolso/internal/metrics"
)

// CloudConfig configures the WhatsApp Cloud API client.
type CloudConfig struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
	// MaxMediaBytes bounds downloads; DefaultMaxMediaBytes when zero.
	MaxMediaBytes int64
}

// CloudClient talks to the Meta Graph API for sending messages and fetching media.
type CloudClient struct {
	cfg        CloudConfig
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewCloudClient constructs a Graph API client.
func NewCloudClient(cfg CloudConfig, logger *slog.Logger, metricRegistry *metrics.Metrics) *CloudClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v18.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CloudClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "wa_cloud"),
		metrics:    metricRegistry,
	}
}

type cloudTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudSendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             cloudTextBody `json:"text"`
}

// SendText posts a text message to the recipient.
func (c *CloudClient) SendText(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(cloudSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             cloudTextBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncOutgoing("cloud", "error")
		return &DeliveryError{Transport: "cloud", To: to, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.metrics.IncOutgoing("cloud", "error")
		return &DeliveryError{
			Transport: "cloud",
			To:        to,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("whatsapp api error: %s", strings.TrimSpace(string(body))),
		}
	}
	c.metrics.IncOutgoing("cloud", "ok")
	return nil
}

type cloudMediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// FetchMedia resolves a media id to its URL and downloads the bytes.
func (c *CloudClient) FetchMedia(ctx context.Context, ref MediaRef) (Media, error) {
	if ref == "" {
		return Media{}, errors.New("fetch media: empty media id")
	}

	infoURL := fmt.Sprintf("%s/%s/%s", c.cfg.BaseURL, c.cfg.APIVersion, ref)
	body, err := c.get(ctx, infoURL)
	if err != nil {
		return Media{}, fmt.Errorf("get media url: %w", err)
	}
	var info cloudMediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return Media{}, fmt.Errorf("decode media info: %w", err)
	}
	if info.URL == "" {
		return Media{}, errors.New("get media url: empty url")
	}

	data, err := c.get(ctx, info.URL)
	if err != nil {
		return Media{}, fmt.Errorf("download media: %w", err)
	}
	mime := info.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return Media{Data: data, MimeType: mime}, nil
}

func (c *CloudClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := readLimited(resp.Body, c.cfg.MaxMediaBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *CloudClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
}
