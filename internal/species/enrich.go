package species

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"birdphotos/birdsync/internal/db"
)

type EnrichResult struct {
	Checked   int      `json:"checked"`
	Updated   int      `json:"updated"`
	Unmatched []string `json:"unmatched"`
}

// Enrich fills scientific name, family, order and status for species rows that lack a
// scientific name or family. Rows that are already complete are left alone.
func Enrich(ctx context.Context, store *db.Store, tax *Taxonomy, logger *zap.Logger) (EnrichResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := EnrichResult{Unmatched: []string{}}

	rows, err := store.ListSpecies(ctx)
	if err != nil {
		return res, fmt.Errorf("list species: %w", err)
	}
	for _, row := range rows {
		if strings.TrimSpace(row.ScientificName.String) != "" && strings.TrimSpace(row.Family.String) != "" {
			continue
		}
		res.Checked++

		match, ok := tax.Lookup(row.CommonName)
		if !ok || match.ScientificName == "" {
			res.Unmatched = append(res.Unmatched, row.CommonName)
			continue
		}
		if err := store.UpdateSpeciesTaxonomy(ctx, row.ID, match.ScientificName, match.Family, match.Order, match.Status()); err != nil {
			return res, fmt.Errorf("update species %q: %w", row.CommonName, err)
		}
		res.Updated++
		logger.Info("species enriched",
			zap.String("common_name", row.CommonName),
			zap.String("scientific_name", match.ScientificName),
			zap.String("family", match.Family))
	}
	return res, nil
}
