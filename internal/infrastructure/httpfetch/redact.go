package httpfetch

import "net/http"

// RedactedValue replaces sensitive header values before logging.
const RedactedValue = "[REDACTED]"

var sensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
}

// RedactHeaders returns a copy of h that is safe to log.
func RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range sensitiveHeaders {
		if values := out.Values(name); len(values) > 0 {
			redacted := make([]string, len(values))
			for i := range redacted {
				redacted[i] = RedactedValue
			}
			out[http.CanonicalHeaderKey(name)] = redacted
		}
	}
	return out
}
