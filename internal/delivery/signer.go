package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignaturePrefix precedes the hex digest in the X-Signature header.
const SignaturePrefix = "sha256="

// Canonicalize renders v as canonical JSON: object keys sorted at every depth, no
// insignificant whitespace and no HTML escaping. Numbers keep their original text.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Signer computes HMAC-SHA256 signatures over canonical payloads.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload canonicalizes payload and signs it. The returned body is exactly the
// bytes that were signed.
func (s *Signer) SignPayload(payload interface{}) (body []byte, signature string, err error) {
	body, err = Canonicalize(payload)
	if err != nil {
		return nil, "", err
	}
	return body, s.Sign(body), nil
}

// Verify checks an X-Signature header value against body in constant time.
func (s *Signer) Verify(body []byte, header string) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), SignaturePrefix))
	if signature == "" {
		return fmt.Errorf("signature value is required")
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(body)
	if subtle.ConstantTimeCompare(decoded, mac.Sum(nil)) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
