package domain

import "net/http"

// Reply is the outbound HTTP reply assembled for one exchange. It is buffered
// so that a failed translation never leaves a half-written response behind.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewReply returns an empty reply with an initialised header map.
func NewReply() *Reply {
	return &Reply{Header: make(http.Header)}
}

// Send copies the reply onto w. It must be called at most once per exchange.
func (r *Reply) Send(w http.ResponseWriter) error {
	dst := w.Header()
	for key, values := range r.Header {
		dst[key] = append([]string(nil), values...)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
