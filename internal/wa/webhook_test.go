package wa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nutri-de-bolso/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingProcessor struct {
	mu   sync.Mutex
	msgs []ParsedMessage
	done chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{done: make(chan struct{}, 4)}
}

func (p *recordingProcessor) Process(_ context.Context, msg ParsedMessage) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	p.done <- struct{}{}
}

func (p *recordingProcessor) wait(t *testing.T) ParsedMessage {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor was not called")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

func TestWebhookVerify(t *testing.T) {
	h := NewWebhookHandler(discardLogger(), nil, "secret-token", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

const textPayload = `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[{"from":"5511","id":"wamid.1","type":"text","text":{"body":"oi"}}]}}]}]}`

func TestWebhookReceiveDispatches(t *testing.T) {
	proc := newRecordingProcessor()
	h := NewWebhookHandler(discardLogger(), nil, "t", "", proc)

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(textPayload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	msg := proc.wait(t)
	if msg.From != "5511" || msg.Content != (Text{Body: "oi"}) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestWebhookLeavesIncomingCountToProcessor(t *testing.T) {
	m := metrics.NewUnregistered("test")
	proc := newRecordingProcessor()
	h := NewWebhookHandler(discardLogger(), m, "t", "", proc)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(textPayload)))
	proc.wait(t)

	form := url.Values{"From": {"whatsapp:+5511999"}, "Body": {"oi"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	NewTwilioWebhookHandler(discardLogger(), m, "token", "", proc).ServeHTTP(httptest.NewRecorder(), req)
	proc.wait(t)

	if got := testutil.ToFloat64(m.WAIncomingMessages.WithLabelValues("text")); got != 0 {
		t.Fatalf("transports must not count incoming messages, got %v", got)
	}
}

func TestWebhookSignature(t *testing.T) {
	proc := newRecordingProcessor()
	h := NewWebhookHandler(discardLogger(), nil, "t", "app-secret", proc)

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(textPayload))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(textPayload))
	req = httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(textPayload))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", rec.Code)
	}
	proc.wait(t)
}

func TestWebhookStatusCallbackIsAcknowledged(t *testing.T) {
	proc := newRecordingProcessor()
	h := NewWebhookHandler(discardLogger(), nil, "t", "", proc)

	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case <-proc.done:
		t.Fatal("status callbacks must not be processed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloudClientSendAndFetch(t *testing.T) {
	var sent cloudSendRequest
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v18.0/555/messages":
			_ = json.NewDecoder(r.Body).Decode(&sent)
			_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.x"}]}`))
		case r.URL.Path == "/v18.0/media-1":
			_, _ = w.Write([]byte(`{"url":"` + srv.URL + `/files/media-1","mime_type":"image/png"}`))
		case r.URL.Path == "/files/media-1":
			_, _ = w.Write([]byte("PNGDATA"))
		case r.URL.Path == "/v18.0/666/messages":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad recipient"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL, PhoneNumberID: "555", Token: "tok"}, discardLogger(), nil)
	if err := c.SendText(context.Background(), "5511", "olá"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if sent.To != "5511" || sent.Text.Body != "olá" || sent.MessagingProduct != "whatsapp" {
		t.Fatalf("unexpected request: %+v", sent)
	}

	media, err := c.FetchMedia(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("fetch media: %v", err)
	}
	if string(media.Data) != "PNGDATA" || media.MimeType != "image/png" {
		t.Fatalf("unexpected media: %+v", media)
	}

	bad := NewCloudClient(CloudConfig{BaseURL: srv.URL, PhoneNumberID: "666", Token: "tok"}, discardLogger(), nil)
	err = bad.SendText(context.Background(), "5511", "x")
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Status != http.StatusBadRequest || !strings.Contains(derr.Error(), "bad recipient") {
		t.Fatalf("expected delivery error with status, got %v", err)
	}
}

func TestCloudClientRejectsOversizedMedia(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v18.0/media-big":
			_, _ = w.Write([]byte(`{"url":"` + srv.URL + `/files/big"}`))
		case "/files/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 200)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL, Token: "tok", MaxMediaBytes: 128}, discardLogger(), nil)
	if _, err := c.FetchMedia(context.Background(), "media-big"); err == nil || !strings.Contains(err.Error(), "exceeds 128 bytes") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestTwilioFetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC1" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("JPEGDATA"))
	}))
	defer srv.Close()

	c := &TwilioClient{accountSID: "AC1", authToken: "secret", httpClient: srv.Client(), logger: discardLogger()}
	media, err := c.FetchMedia(context.Background(), MediaRef(srv.URL+"/Media/ME1"))
	if err != nil {
		t.Fatalf("fetch media: %v", err)
	}
	if string(media.Data) != "JPEGDATA" || media.MimeType != "image/jpeg" {
		t.Fatalf("unexpected media: %+v", media)
	}

	c.maxMedia = 4
	if _, err := c.FetchMedia(context.Background(), MediaRef(srv.URL+"/Media/ME1")); err == nil {
		t.Fatal("expected oversized media to fail")
	}
}

type fakeMessageCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessageCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioClientSendText(t *testing.T) {
	fake := &fakeMessageCreator{}
	c := &TwilioClient{api: fake, from: "whatsapp:+14155238886", logger: discardLogger()}

	if err := c.SendText(context.Background(), "+5511999", "oi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	p := fake.params[0]
	if *p.To != "whatsapp:+5511999" || *p.From != "whatsapp:+14155238886" || *p.Body != "oi" {
		t.Fatalf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}

	fake.err = errors.New("rate limited")
	err := c.SendText(context.Background(), "+5511999", "oi")
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Transport != "twilio" {
		t.Fatalf("expected twilio delivery error, got %v", err)
	}
}

func TestTwilioWebhookDispatches(t *testing.T) {
	proc := newRecordingProcessor()
	h := NewTwilioWebhookHandler(discardLogger(), nil, "token", "", proc)

	form := url.Values{"From": {"whatsapp:+5511999"}, "MessageSid": {"SM1"}, "Body": {"resumo"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<Response>") {
		t.Fatalf("expected empty TwiML, got %d %q", rec.Code, rec.Body.String())
	}
	msg := proc.wait(t)
	if msg.From != "+5511999" || msg.Content != (Text{Body: "resumo"}) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestTwilioWebhookRejectsBadSignature(t *testing.T) {
	h := NewTwilioWebhookHandler(discardLogger(), nil, "token", "https://bot.example.com/webhook/twilio", nil)

	form := url.Values{"From": {"whatsapp:+5511999"}, "Body": {"oi"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "invalid")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
