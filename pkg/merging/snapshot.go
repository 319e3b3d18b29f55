package merging

import (
	"slices"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SameEntity compares two entity rows field by field. Times compare by
// instant so rows read back from storage in another location still match.
func SameEntity(a, b models.Entity) bool {
	return a.ID == b.ID &&
		a.Type == b.Type &&
		a.DisplayName == b.DisplayName &&
		slices.Equal(a.Keys, b.Keys) &&
		a.Confidence == b.Confidence &&
		a.Status == b.Status &&
		equalPtr(a.SupersededBy, b.SupersededBy) &&
		slices.Equal(a.FactIDs, b.FactIDs) &&
		a.Version == b.Version &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
