package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Provider issues document identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewState returns a short random token suitable for OAuth state values.
func NewState() string {
	return xid.New().String()
}
