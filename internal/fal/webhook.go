package fal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Fal-Signature"

var ErrMalformedPayload = errors.New("malformed fal webhook payload")

type Image struct {
	URL         string `json:"url"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type imageSet struct {
	Images []Image `json:"images"`
	Seed   *int64  `json:"seed,omitempty"`
}

// WebhookPayload is the body FAL posts when a queued request finishes.
type WebhookPayload struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id,omitempty"`
	Status           string          `json:"status"`
	Output           *imageSet       `json:"output,omitempty"`
	Payload          *imageSet       `json:"payload,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
}

// ParseWebhook decodes body and requires a request id.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.RequestID = strings.TrimSpace(p.RequestID)
	if p.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is missing", ErrMalformedPayload)
	}
	return &p, nil
}

// Outcome is what a webhook means for the job: Completed, Failed or Unknown.
type Outcome interface {
	outcome()
}

type Completed struct {
	Images []Image
	Seed   *int64
}

type Failed struct {
	Error string
}

type Unknown struct {
	Status string
}

func (Completed) outcome() {}
func (Failed) outcome()    {}
func (Unknown) outcome()   {}

// Outcome classifies the payload. A success without images is a failure.
func (p *WebhookPayload) Outcome() Outcome {
	switch strings.ToUpper(strings.TrimSpace(p.Status)) {
	case "COMPLETED", "OK":
		set := p.Output
		if set == nil || len(set.Images) == 0 {
			set = p.Payload
		}
		if set == nil || len(set.Images) == 0 {
			return Failed{Error: "provider returned no images"}
		}
		images := make([]Image, 0, len(set.Images))
		for _, img := range set.Images {
			if img.URL != "" {
				images = append(images, img)
			}
		}
		if len(images) == 0 {
			return Failed{Error: "provider returned no images"}
		}
		return Completed{Images: images, Seed: set.Seed}
	case "FAILED", "ERROR":
		msg := p.errorMessage()
		if msg == "" {
			msg = "generation failed"
		}
		return Failed{Error: msg}
	default:
		return Unknown{Status: p.Status}
	}
}

// errorMessage accepts both a plain string and an object with a message or detail.
func (p *WebhookPayload) errorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(p.Error, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(p.Error)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against Sign(secret, body) in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
