package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware extracts or creates a trace context for inbound HTTP requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := Extract(r.Header)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// Extract builds a server-side span from inbound headers. The caller's span
// becomes the parent; a missing trace id starts a new trace.
func Extract(h http.Header) Context {
	tc := Context{
		TraceID:      h.Get(TraceIDKey),
		ParentSpanID: h.Get(SpanIDKey),
		SpanID:       newID(8),
	}
	if tc.TraceID == "" {
		tc.TraceID = newID(16)
	}
	return tc
}

// Inject writes tc onto outbound request headers.
func Inject(h http.Header, tc Context) {
	h.Set(TraceIDKey, tc.TraceID)
	h.Set(SpanIDKey, tc.SpanID)
	if tc.ParentSpanID != "" {
		h.Set(ParentSpanIDKey, tc.ParentSpanID)
	} else {
		h.Del(ParentSpanIDKey)
	}
}

// InjectRequest stamps the trace context of req's context onto its headers,
// starting a trace if the context has none.
func InjectRequest(req *http.Request) {
	_, tc := EnsureContext(req.Context())
	Inject(req.Header, tc)
}

// ExtractFromJSON reads a trace_id field from a JSON message, as sent by
// WebSocket clients. It reports whether one was present.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{TraceID: msg.TraceID, SpanID: newID(8)}, true
}
