package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

const githubSignaturePrefix = "sha256="

// VerifyGitHubSignature checks an X-Hub-Signature-256 header against body.
func VerifyGitHubSignature(secret []byte, header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, githubSignaturePrefix) {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, githubSignaturePrefix))
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// SignGitHubPayload returns the header value GitHub would send for body.
func SignGitHubPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return githubSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// MatchOrigin reports whether a websocket Origin header is allowed by pattern.
// Patterns are exact origins, "*", "https://*.example.org" or "http://host:*".
func MatchOrigin(origin string, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "*") {
		return matchOriginWildcard(origin, pattern)
	}

	return origin == pattern
}

func matchOriginWildcard(origin, pattern string) bool {
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		originNoPort := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			originNoPort = origin[:idx]
		}
		return originNoPort == prefix
	}

	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(pattern, scheme+"*.") {
			suffix := strings.TrimPrefix(pattern, scheme+"*")
			if !strings.HasPrefix(origin, scheme) {
				return false
			}
			host := strings.TrimPrefix(origin, scheme)
			return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
		}
	}

	return false
}

var secretKeys = []string{"pass", "token", "password", "secret", "key", "auth", "credential"}

// IsSecretKey reports whether a field name looks like it holds a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// RedactQuery masks secret-looking query parameters for logging.
func RedactQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if IsSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}
