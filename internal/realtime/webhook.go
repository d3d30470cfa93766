package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned when no signature variant verifies.
var ErrBadSignature = errors.New("webhook signature mismatch")

// WebhookEvent is the signed envelope delivered to the /realtime endpoint.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		CallID     string      `json:"call_id"`
		SIPHeaders []SIPHeader `json:"sip_headers"`
	} `json:"data"`
}

type SIPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header returns the named SIP header value (case-insensitive), or "".
func (e *WebhookEvent) Header(name string) string {
	for _, h := range e.Data.SIPHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ParseWebhookEvent decodes a verified envelope body.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("webhook event missing type")
	}
	return &ev, nil
}

// VerifySignature checks the HMAC-SHA256 signature over "id.timestamp.body".
// The secret carries a whsec_ prefix and is base64-decoded before keying.
// The signature header may hold several space-separated "v1,<base64>"
// entries; any match passes. A manual fallback path keys the HMAC with the
// raw secret bytes, guarding against SDK variants that skip the base64
// decode. All comparisons are constant-time.
func VerifySignature(secret, webhookID, timestamp string, body []byte, signatureHeader string) error {
	trimmed := strings.TrimPrefix(secret, "whsec_")
	signedContent := webhookID + "." + timestamp + "." + string(body)

	var keys [][]byte
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		keys = append(keys, decoded)
	}
	// Manual fallback: raw secret bytes.
	keys = append(keys, []byte(trimmed))

	var candidates [][]byte
	for _, part := range strings.Fields(signatureHeader) {
		sig := part
		if i := strings.IndexByte(part, ','); i >= 0 {
			sig = part[i+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		candidates = append(candidates, decoded)
	}
	if len(candidates) == 0 {
		return ErrBadSignature
	}

	for _, key := range keys {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(signedContent))
		expected := mac.Sum(nil)
		for _, candidate := range candidates {
			if len(candidate) == len(expected) &&
				subtle.ConstantTimeCompare(candidate, expected) == 1 {
				return nil
			}
		}
	}
	return ErrBadSignature
}
