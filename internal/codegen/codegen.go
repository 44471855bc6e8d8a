package codegen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator produces opaque ticket codes. Uniqueness is also enforced by the
// store, which rejects duplicate codes.
type Generator interface {
	Next() string
}

type UUIDGenerator struct{}

func New() UUIDGenerator { return UUIDGenerator{} }

// Next returns 32 uppercase hex characters of a random UUIDv4.
func (UUIDGenerator) Next() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
