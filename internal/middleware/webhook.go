package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
	// TokenParam carries the per-provider callback token for providers that
	// cannot sign their requests.
	TokenParam = "token"

	signaturePrefix = "sha256="
	maxWebhookBody  = 1 << 20
)

// DefaultWebhookTolerance bounds how far a callback timestamp may drift from now.
const DefaultWebhookTolerance = 5 * time.Minute

// Sign returns the signature header value for body sent at ts.
func Sign(secret []byte, ts time.Time, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, strconv.FormatInt(ts.Unix(), 10), body))
}

// CallbackToken derives the token a provider echoes back in the callback URL
// registered with it. It is bound to the provider's name, so one provider's
// token does not open another provider's route.
func CallbackToken(secret, providerName string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte("callback:"))
	m.Write([]byte(providerName))
	return hex.EncodeToString(m.Sum(nil))
}

func mac(secret []byte, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}

// WebhookSignature authenticates provider callbacks. A request carrying a
// token query parameter must match CallbackToken for the {provider} path
// value. Otherwise it must carry an HMAC-SHA256 signature over
// "timestamp.body"; the body is read and replaced so the handler can re-read
// it. With an empty secret every request is rejected.
func WebhookSignature(secret string, tolerance time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				writeError(w, http.StatusUnauthorized, "callback authentication is not configured")
				return
			}

			if token := r.URL.Query().Get(TokenParam); token != "" {
				want := CallbackToken(secret, r.PathValue("provider"))
				if !hmac.Equal([]byte(token), []byte(want)) {
					writeError(w, http.StatusUnauthorized, "invalid callback token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ts := r.Header.Get(TimestampHeader)
			sec, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing or invalid timestamp")
				return
			}
			if d := now().Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
				writeError(w, http.StatusUnauthorized, "timestamp outside tolerance")
				return
			}

			sig := r.Header.Get(SignatureHeader)
			if !strings.HasPrefix(sig, signaturePrefix) {
				writeError(w, http.StatusUnauthorized, "missing signature")
				return
			}
			want, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "malformed signature")
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			r.Body.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if !hmac.Equal(want, mac(key, ts, bodyBytes)) {
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
