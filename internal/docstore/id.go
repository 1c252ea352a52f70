package docstore

import (
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues primary identifiers of the form "{kindPrefix}_{token}".
type IDProvider interface {
	NewID(kindPrefix string) (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider whose tokens are UUIDv7 hex strings,
// so ids of one kind sort roughly by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID(kindPrefix string) (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return kindPrefix + "_" + strings.ReplaceAll(value.String(), "-", ""), nil
}
