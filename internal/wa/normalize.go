package wa

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

type cloudPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []json.RawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// cloudMessage keeps the typed sub-objects raw so one malformed field
// degrades that field instead of the whole message.
type cloudMessage struct {
	From     string          `json:"from"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Text     json.RawMessage `json:"text"`
	Image    json.RawMessage `json:"image"`
	Document json.RawMessage `json:"document"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// ParseCloudPayload extracts the first message of a Cloud API webhook body.
// It returns false for status callbacks and anything it cannot read.
// Fields of the wrong type are left empty.
func ParseCloudPayload(body []byte) (ParsedMessage, bool) {
	var payload cloudPayload
	if err := lenientUnmarshal(body, &payload); err != nil {
		return ParsedMessage{}, false
	}
	if payload.Object != "whatsapp_business_account" {
		return ParsedMessage{}, false
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return ParsedMessage{}, false
	}
	messages := payload.Entry[0].Changes[0].Value.Messages
	if len(messages) == 0 {
		return ParsedMessage{}, false
	}
	var m cloudMessage
	if err := lenientUnmarshal(messages[0], &m); err != nil {
		return ParsedMessage{}, false
	}

	msg := ParsedMessage{From: m.From, ID: m.ID}
	switch m.Type {
	case "text":
		var text cloudText
		_ = lenientUnmarshal(m.Text, &text)
		msg.Content = Text{Body: text.Body}
	case "image":
		var media cloudMedia
		_ = lenientUnmarshal(m.Image, &media)
		msg.Content = Image{Media: MediaRef(media.ID), MimeType: media.MimeType, Caption: media.Caption}
	case "document":
		var media cloudMedia
		_ = lenientUnmarshal(m.Document, &media)
		msg.Content = Document{Media: MediaRef(media.ID), MimeType: media.MimeType, Filename: media.Filename}
	default:
		msg.Content = Unknown{Type: m.Type}
	}
	return msg, true
}

// lenientUnmarshal decodes data into dest, tolerating values of the wrong
// type: encoding/json keeps filling the remaining fields in that case. Only
// syntax errors are reported.
func lenientUnmarshal(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	err := json.Unmarshal(data, dest)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return nil
	}
	return err
}

// ParseTwilioForm normalises a Twilio WhatsApp webhook form.
func ParseTwilioForm(form url.Values) (ParsedMessage, bool) {
	from := stripWhatsAppPrefix(form.Get("From"))
	if from == "" {
		return ParsedMessage{}, false
	}
	msg := ParsedMessage{From: from, ID: form.Get("MessageSid")}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	switch {
	case numMedia > 0:
		ref := MediaRef(form.Get("MediaUrl0"))
		mime := form.Get("MediaContentType0")
		if strings.HasPrefix(mime, "image/") {
			msg.Content = Image{Media: ref, MimeType: mime, Caption: form.Get("Body")}
		} else if strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") {
			msg.Content = Unknown{Type: mime}
		} else {
			msg.Content = Document{Media: ref, MimeType: mime, Filename: form.Get("MediaFilename0")}
		}
	case form.Get("Body") != "":
		msg.Content = Text{Body: form.Get("Body")}
	default:
		msg.Content = Unknown{Type: form.Get("MessageType")}
	}
	return msg, true
}

func stripWhatsAppPrefix(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), "whatsapp:")
}
