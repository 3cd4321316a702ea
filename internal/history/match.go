package history

import (
	"go-swarm-history/internal/models"
)

// ResolveMetadata finds the metadata record for a cached thumbnail id.
// Three tiers, in order: exact id match, sanitized-id match, then a
// linear scan comparing each record's filename against the thumbnail's
// derived filename. The order is deliberate; it keeps thumbnails written
// under historical sanitization schemes resolvable.
func ResolveMetadata(thumbID string, all map[string]models.CachedMetadata) (models.CachedMetadata, bool) {
	if meta, ok := all[thumbID]; ok {
		return meta, true
	}

	for id, meta := range all {
		if models.SanitizeID(id) == thumbID {
			return meta, true
		}
	}

	for _, meta := range all {
		if meta.Filename != "" && models.SanitizeID(meta.Filename) == thumbID {
			return meta, true
		}
	}

	return models.CachedMetadata{}, false
}
