package domain

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// SetIDLength is the number of characters in a dataset identifier.
const SetIDLength = 12

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSetID generates a URL-safe dataset identifier from 9 bytes of UUIDv4
// entropy. Uniqueness is enforced by the dataset index primary key; callers
// retry on conflict.
func NewSetID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:9])[:SetIDLength]
}
