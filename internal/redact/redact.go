// Package redact removes secret material from captured headers and bodies
// before they are persisted. The bytes forwarded upstream are never touched.
package redact

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sensitiveHeaders are redacted in full regardless of value shape.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"api-key":             {},
	"anthropic-api-key":   {},
	"openai-api-key":      {},
	"proxy-authorization": {},
	"cookie":              {},
}

// bearerPattern matches bearer-token shaped values in any header.
var bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9._\-]+`)

// placeholderPattern recognizes already-redacted values so that redaction
// is idempotent.
var placeholderPattern = regexp.MustCompile(`^<redacted:\d+>$`)

// secretBodyFields are JSON fields rewritten when body redaction is enabled.
var secretBodyFields = []string{"api_key", "apiKey", "authorization"}

// placeholder returns the replacement for a secret of n bytes.
func placeholder(n int) string {
	return fmt.Sprintf("<redacted:%d>", n)
}

// Headers returns a flat map of header name to value with secret material
// replaced by "<redacted:N>" where N is the original byte length. Applying
// Headers to its own output yields the same output.
func Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		out[name] = Value(name, value)
	}
	return out
}

// Value redacts a single header value according to its header name.
func Value(name, value string) string {
	if placeholderPattern.MatchString(value) {
		return value
	}
	if _, ok := sensitiveHeaders[strings.ToLower(name)]; ok {
		return placeholder(len(value))
	}
	if bearerPattern.MatchString(value) {
		return bearerPattern.ReplaceAllStringFunc(value, func(m string) string {
			return placeholder(len(m))
		})
	}
	return value
}

// Body rewrites known secret fields in a JSON request body. Non-JSON bodies
// are returned unchanged. Like header redaction, the result is idempotent.
func Body(body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	out := body
	for _, field := range secretBodyFields {
		res := gjson.GetBytes(out, field)
		if !res.Exists() || res.Type != gjson.String {
			continue
		}
		if placeholderPattern.MatchString(res.String()) {
			continue
		}
		if rewritten, err := sjson.SetBytes(out, field, placeholder(len(res.String()))); err == nil {
			out = rewritten
		}
	}
	return out
}
