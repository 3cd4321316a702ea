package index

import (
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-swarm-history/internal/models"
)

// Entry is the searchable projection of an image record. Fields are
// queryable by their lowercase JSON tag names (e.g. '+model:pony').
type Entry struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	Prompt         string    `json:"prompt,omitempty"`
	NegativePrompt string    `json:"negativePrompt,omitempty"`
	Model          string    `json:"model,omitempty"`
	ModelFile      string    `json:"modelFile,omitempty"`
	Sampler        string    `json:"sampler,omitempty"`
	Scheduler      string    `json:"scheduler,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new prompt index at %s", indexPath)
		mapping := bleve.NewIndexMapping()
		return bleve.New(indexPath, mapping)
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// IndexRecord adds or updates one image record in the index.
func IndexRecord(idx bleve.Index, rec models.ImageRecord) error {
	entry := Entry{
		ID:             rec.ID,
		Filename:       rec.Filename,
		Prompt:         rec.Prompt,
		NegativePrompt: rec.NegativePrompt,
		Model:          rec.Model,
		ModelFile:      rec.ModelFile,
		Sampler:        rec.Sampler,
		Scheduler:      rec.Scheduler,
		Timestamp:      rec.Timestamp,
	}
	return idx.Index(entry.ID, entry)
}

// RemoveAll deletes every entry from the index, used on history clear.
func RemoveAll(idx bleve.Index) error {
	query := bleve.NewMatchAllQuery()
	req := bleve.NewSearchRequest(query)
	req.Size = 1000
	for {
		results, err := idx.Search(req)
		if err != nil {
			return err
		}
		if len(results.Hits) == 0 {
			return nil
		}
		batch := idx.NewBatch()
		for _, hit := range results.Hits {
			batch.Delete(hit.ID)
		}
		if err := idx.Batch(batch); err != nil {
			return err
		}
	}
}

// Search runs a query-string search and returns the matching ids in
// relevance order.
func Search(idx bleve.Index, query string) ([]string, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(searchQuery)
	req.Size = 100
	results, err := idx.Search(req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results.Hits))
	for _, hit := range results.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
