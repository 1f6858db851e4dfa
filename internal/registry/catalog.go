// Package registry aggregates the model names claimed by the configured
// entries and serves the OpenAI-style model listing. The catalog is
// immutable; configuration reloads build a new one.
package registry

import (
	"sort"
	"time"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
)

// ModelInfo is one entry in the model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the list payload served at /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// Catalog holds the distinct model names derived from one configuration
// snapshot. Wildcard-only entries contribute no names.
type Catalog struct {
	models  []string
	created int64
}

// NewCatalog collects the distinct exact model names from the configured
// keys, sorted for stable listings.
func NewCatalog(keys []config.UpstreamKey) *Catalog {
	seen := make(map[string]bool)
	models := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, m := range k.Models {
			if m == "" || m == keypool.WildcardModel || seen[m] {
				continue
			}
			seen[m] = true
			models = append(models, m)
		}
	}
	sort.Strings(models)
	return &Catalog{
		models:  models,
		created: time.Now().Unix(),
	}
}

// Models returns the distinct claimed model names in sorted order.
func (c *Catalog) Models() []string {
	return c.models
}

// List builds the OpenAI-style payload.
func (c *Catalog) List() ModelList {
	data := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		data = append(data, ModelInfo{
			ID:      m,
			Object:  "model",
			Created: c.created,
			OwnedBy: "keywheel",
		})
	}
	return ModelList{Object: "list", Data: data}
}
