package usecase

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/classifier"
	"github.com/example/waste-classifier/internal/logging"
	"github.com/example/waste-classifier/internal/storage"
)

// Stats limits.
const (
	DefaultStatsScanLimit = 1000
	recentItems           = 3
)

// RecentItem summarises one stored classification.
type RecentItem struct {
	ImgID       string `json:"img_id"`
	Class       int    `json:"class"`
	WasteBinary int    `json:"waste_binary"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
}

// Stats aggregates stored classifications for the bin dashboard.
type Stats struct {
	TotalItems int `json:"totalItems"`
	// RecyclingRate is the rounded percentage of recyclable items.
	RecyclingRate int          `json:"recyclingRate"`
	Items         []RecentItem `json:"items"`
}

// Stats reads up to the configured number of records and reports totals
// and the most recent classifications.
func (uc *ClassificationUseCase) Stats(ctx context.Context) (*Stats, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.stats", RequestIDFromContext(ctx))

	records, err := uc.deps.Artifacts.ListMetadata(ctx, uc.statsLimit)
	if err != nil {
		opLogger.Error("failed to list records", zap.Error(err))
		return nil, err
	}

	slices.SortStableFunc(records, func(a, b *storage.ImageRecord) int {
		return b.Time().Compare(a.Time())
	})

	stats := &Stats{TotalItems: len(records), Items: []RecentItem{}}
	recyclable := 0
	for _, record := range records {
		if record.WasteBinary == classifier.Recyclable {
			recyclable++
		}
	}
	if len(records) > 0 {
		stats.RecyclingRate = int(math.Round(float64(recyclable) / float64(len(records)) * 100))
	}

	for _, record := range records[:min(recentItems, len(records))] {
		class, err := classifier.ArgMax(record.Predictions)
		if err != nil {
			opLogger.Warn("record has unusable predictions", zap.String("img_id", record.ImgID), zap.Error(err))
			class = -1
		}
		stats.Items = append(stats.Items, RecentItem{
			ImgID:       record.ImgID,
			Class:       class,
			WasteBinary: record.WasteBinary,
			Type:        wasteKind(record.WasteBinary),
			Timestamp:   record.Timestamp,
		})
	}

	opLogger.Debug("stats computed",
		zap.Int("total_items", stats.TotalItems),
		zap.Int("recycling_rate", stats.RecyclingRate))
	return stats, nil
}
