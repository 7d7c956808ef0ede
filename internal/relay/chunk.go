// Package relay turns a cached answer or a live backend stream into client
// stream chunks, and writes them as server-sent events.
package relay

// StreamChunk is the unit sent to streaming clients. Exactly one chunk per
// stream has Done set, and it is the last one.
type StreamChunk struct {
	Content   *string `json:"content,omitempty"`
	Done      bool    `json:"done"`
	RequestID *string `json:"request_id,omitempty"`
	Cached    *bool   `json:"cached,omitempty"`
	Error     *string `json:"error,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
