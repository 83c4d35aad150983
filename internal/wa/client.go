package wa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"nutri-de-bolso/internal/metrics"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const (
	imageRefPrefix    = "img:"
	documentRefPrefix = "doc:"
)

// Config holds configuration to initialise the WhatsApp socket client.
type Config struct {
	StorePath string
	LogLevel  string
	// QRPath receives the pairing QR code; stdout when empty.
	QRPath  string
	Metrics *metrics.Metrics
}

// Client wraps the WhatsMeow client and associated dependencies.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	qrPath    string
	processor Processor
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
		qrPath:  cfg.QRPath,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go c.renderQR(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

func (c *Client) renderQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			c.logger.Info("pairing event received", "event", evt.Event)
			continue
		}
		var w io.Writer = os.Stdout
		if c.qrPath != "" {
			f, err := os.Create(c.qrPath)
			if err != nil {
				c.logger.Error("failed creating qr file", "error", err, "path", c.qrPath)
				continue
			}
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, f)
			f.Close()
			c.logger.Info("qr code written, scan it with WhatsApp", "path", c.qrPath)
			continue
		}
		qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w)
		c.logger.Info("scan the QR code above with WhatsApp")
	}
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SetMessageProcessor registers message processor callback.
func (c *Client) SetMessageProcessor(processor Processor) {
	c.processor = processor
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, pairing required on next start")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg, ok := normalizeEvent(evt)
	if !ok {
		return
	}
	c.logger.Debug("received message", "from", msg.From, "kind", msg.Kind())

	if c.processor != nil {
		go c.processor.Process(context.Background(), msg)
	}
}

// normalizeEvent converts a whatsmeow message event, skipping our own and group messages.
func normalizeEvent(evt *events.Message) (ParsedMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return ParsedMessage{}, false
	}
	m := evt.Message
	out := ParsedMessage{
		From: contactFromJID(evt.Info.Sender),
		ID:   string(evt.Info.ID),
	}

	doc := m.GetDocumentMessage()
	if doc == nil {
		doc = m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
	}

	switch {
	case m.GetConversation() != "":
		out.Content = Text{Body: m.GetConversation()}
	case m.GetExtendedTextMessage() != nil:
		out.Content = Text{Body: m.GetExtendedTextMessage().GetText()}
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		out.Content = Image{
			Media:    encodeMediaRef(imageRefPrefix, img),
			MimeType: img.GetMimetype(),
			Caption:  img.GetCaption(),
		}
	case doc != nil:
		out.Content = Document{
			Media:    encodeMediaRef(documentRefPrefix, doc),
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
		}
	case m.GetAudioMessage() != nil:
		out.Content = Unknown{Type: "audio"}
	case m.GetVideoMessage() != nil:
		out.Content = Unknown{Type: "video"}
	default:
		out.Content = Unknown{}
	}
	return out, true
}

// encodeMediaRef serialises the media sub-message so it can be downloaded
// later without keeping the event in memory.
func encodeMediaRef(prefix string, msg proto.Message) MediaRef {
	data, err := proto.Marshal(msg)
	if err != nil {
		return ""
	}
	return MediaRef(prefix + base64.StdEncoding.EncodeToString(data))
}

func decodeMediaRef(ref MediaRef) (whatsmeow.DownloadableMessage, string, error) {
	raw := string(ref)
	var (
		target whatsmeow.DownloadableMessage
		mime   func() string
		data   string
	)
	switch {
	case strings.HasPrefix(raw, imageRefPrefix):
		img := &waProto.ImageMessage{}
		target, mime, data = img, img.GetMimetype, strings.TrimPrefix(raw, imageRefPrefix)
	case strings.HasPrefix(raw, documentRefPrefix):
		doc := &waProto.DocumentMessage{}
		target, mime, data = doc, doc.GetMimetype, strings.TrimPrefix(raw, documentRefPrefix)
	default:
		return nil, "", fmt.Errorf("unsupported media ref")
	}
	bytes, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode media ref: %w", err)
	}
	if err := proto.Unmarshal(bytes, target.(proto.Message)); err != nil {
		return nil, "", fmt.Errorf("unmarshal media ref: %w", err)
	}
	return target, mime(), nil
}

// FetchMedia downloads media referenced by a normalised message.
func (c *Client) FetchMedia(ctx context.Context, ref MediaRef) (Media, error) {
	msg, mime, err := decodeMediaRef(ref)
	if err != nil {
		return Media{}, err
	}
	data, err := c.client.Download(ctx, msg)
	if err != nil {
		return Media{}, fmt.Errorf("download media: %w", err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return Media{Data: data, MimeType: mime}, nil
}

// SendText sends a text message to a phone number or full JID.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return &DeliveryError{Transport: "whatsmeow", To: to, Err: err}
	}
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		c.metrics.IncOutgoing("whatsmeow", "error")
		return &DeliveryError{Transport: "whatsmeow", To: to, Err: err}
	}
	c.metrics.IncOutgoing("whatsmeow", "ok")
	return nil
}

// contactFromJID keeps plain phone numbers for regular accounts and the full JID otherwise.
func contactFromJID(jid types.JID) string {
	jid = jid.ToNonAD()
	if jid.Server == types.DefaultUserServer {
		return jid.User
	}
	return jid.String()
}

func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, errors.New("empty recipient")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
