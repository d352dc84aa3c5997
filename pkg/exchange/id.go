package exchange

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is the correlation identity of one exchange.
type ID uuid.UUID

// NewID generates a random correlation ID.
func NewID() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, fmt.Errorf("failed to generate correlation ID: %w", err)
	}
	return ID(u), nil
}

// String returns the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Token returns the 8-byte downstream message token derived from the ID.
func (id ID) Token() []byte {
	token := make([]byte, 8)
	copy(token, id[:8])
	return token
}
