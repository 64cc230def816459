package phonepe

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Salt is a PhonePe signing secret with its rotation index.
// The index travels with every signature so the gateway (and we, on
// inbound callbacks) know which key produced it.
type Salt struct {
	Key   string
	Index string
}

// Signer produces and verifies X-VERIFY checksums.
// The first salt is the active signing key; additional salts are
// accepted on verification only, which allows zero-downtime rotation.
type Signer struct {
	salts []Salt
}

// NewSigner creates a signer. The first salt signs outbound requests.
func NewSigner(salts ...Salt) *Signer {
	return &Signer{salts: salts}
}

// Sign computes the X-VERIFY header value for an outbound request:
// hex(sha256(payloadBase64 + apiPath + saltKey)) + "###" + saltIndex.
// For GET requests (status checks) payloadBase64 is empty and the
// checksum covers the path alone.
func (s *Signer) Sign(payloadBase64, apiPath string) string {
	if len(s.salts) == 0 {
		return ""
	}
	active := s.salts[0]
	return checksum(payloadBase64+apiPath+active.Key) + "###" + active.Index
}

// Verify checks an X-VERIFY header against a payload and API path.
// Malformed headers and unknown salt indexes fail closed.
func (s *Signer) Verify(payloadBase64, apiPath, header string) bool {
	return s.verify(payloadBase64+apiPath, header)
}

// VerifyBody checks an X-VERIFY header computed over a raw callback
// body. PhonePe signs webhooks as sha256(body + saltKey), without a
// path component.
func (s *Signer) VerifyBody(rawBody []byte, header string) bool {
	return s.verify(string(rawBody), header)
}

func (s *Signer) verify(signedInput, header string) bool {
	hash, index, ok := splitHeader(header)
	if !ok {
		return false
	}
	for _, salt := range s.salts {
		if salt.Index != index {
			continue
		}
		expected := checksum(signedInput + salt.Key)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1 {
			return true
		}
	}
	return false
}

// splitHeader parses "hash###index" and rejects anything else.
func splitHeader(header string) (hash, index string, ok bool) {
	parts := strings.SplitN(header, "###", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func checksum(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
