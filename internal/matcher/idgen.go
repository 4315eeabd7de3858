package matcher

import (
	"github.com/google/uuid"

	"github.com/example/airport-cabpool/internal/models"
)

// UUIDGenerator mints TRIP<uuid> ids, grounded on the pack's
// dlfelps-sd-uber-go/pkg/utils/id_generator.go convention of wrapping
// google/uuid behind a small named type.
type UUIDGenerator struct{}

func (UUIDGenerator) NewTripID() string {
	return models.TripIDPrefix + uuid.New().String()
}
