package history

import (
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"go-swarm-history/internal/models"
)

// FilenameKey is the primary dedup key: the sanitized, lowercased
// filename. The remote filename is the authoritative unique identifier.
func FilenameKey(rec models.ImageRecord) string {
	return strings.ToLower(models.SanitizeID(rec.Filename))
}

// ContentKey hashes the richer identity tuple (filename, prompt, seed,
// steps) for collision diagnostics.
func ContentKey(rec models.ImageRecord) string {
	normalized := fmt.Sprintf("%s|%s|%d|%d",
		FilenameKey(rec),
		strings.ToLower(strings.TrimSpace(rec.Prompt)),
		rec.Seed,
		rec.Steps,
	)
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// CompletenessScore weighs how much optional metadata a record carries.
// When two records collide on filename, the higher score wins
// deterministically rather than by insertion order.
func CompletenessScore(rec models.ImageRecord) int {
	score := 0
	if rec.Prompt != "" && rec.Prompt != models.FallbackPrompt && rec.Prompt != models.FallbackCachedPrompt {
		score += 10
	}
	if rec.NegativePrompt != "" {
		score += 5
	}
	if rec.Steps > 0 {
		score += 5
	}
	if rec.Seed != 0 {
		score += 5
	}
	if rec.CfgScale > 0 {
		score += 5
	}
	if rec.Width > 0 && rec.Height > 0 {
		score += 5
	}
	if rec.Sampler != "" {
		score += 3
	}
	if rec.Scheduler != "" {
		score += 3
	}
	if rec.Model != "" {
		score += 3
	}
	if rec.ModelFile != "" {
		score += 3
	}
	if rec.Date != "" {
		score += 2
	}
	if rec.ThumbnailURI != "" {
		score += 5
	}
	return score
}

// Deduplicate collapses records sharing a filename key, keeping the
// more complete record at the position of its first occurrence.
func Deduplicate(records []models.ImageRecord) []models.ImageRecord {
	out := make([]models.ImageRecord, 0, len(records))
	seen := make(map[string]int, len(records))

	for _, rec := range records {
		key := FilenameKey(rec)
		if key == "" {
			out = append(out, rec)
			continue
		}
		if at, ok := seen[key]; ok {
			kept := out[at]
			if CompletenessScore(rec) > CompletenessScore(kept) {
				out[at] = rec
			}
			if ContentKey(rec) != ContentKey(kept) {
				log.WithField("filename", rec.Filename).Debug("Filename collision with differing content keys")
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, rec)
	}
	return out
}
