package middleware

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// MaxWebhookBody bounds the size of a webhook delivery.
const MaxWebhookBody = 1 << 20

// ValidateQueueEntryID validates a pending queue entry id.
func ValidateQueueEntryID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid queue entry ID format")
	}
	return nil
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
