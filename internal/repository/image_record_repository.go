package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/waste-classifier/internal/storage"
)

// ImageRecordRow is the SQL form of storage.ImageRecord.
type ImageRecordRow struct {
	ImgID        string         `gorm:"column:img_id;primaryKey;size:64"`
	Predictions  datatypes.JSON `gorm:"column:predictions"`
	WasteBinary  int            `gorm:"column:waste_binary"`
	Timestamp    string         `gorm:"column:timestamp;size:40"`
	S3URL        string         `gorm:"column:s3_url;type:text"`
	ModelVersion string         `gorm:"column:model_version;size:128"`
}

// DefaultTable is used when no table name is configured.
const DefaultTable = "waste_classifier_images"

// TableName overrides the default table name.
func (ImageRecordRow) TableName() string {
	return DefaultTable
}

// ImageRecordRepository stores image metadata records in a SQL database.
type ImageRecordRepository struct {
	db    *gorm.DB
	table string
}

var _ storage.MetadataStore = (*ImageRecordRepository)(nil)

// NewImageRecordRepository creates a new repository instance over table.
func NewImageRecordRepository(db *gorm.DB, table string) *ImageRecordRepository {
	if table == "" {
		table = DefaultTable
	}
	return &ImageRecordRepository{db: db, table: table}
}

// AutoMigrate ensures the schema is available.
func (r *ImageRecordRepository) AutoMigrate(ctx context.Context) error {
	return r.session(ctx).AutoMigrate(&ImageRecordRow{})
}

func (r *ImageRecordRepository) session(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.table)
}

// Put inserts record. An existing img_id is a primary key violation.
func (r *ImageRecordRepository) Put(ctx context.Context, record *storage.ImageRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	return r.session(ctx).Create(row).Error
}

// Get retrieves the record for id.
func (r *ImageRecordRepository) Get(ctx context.Context, id string) (*storage.ImageRecord, error) {
	var row ImageRecordRow
	if err := r.session(ctx).First(&row, "img_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

// List returns up to limit records, newest first.
func (r *ImageRecordRepository) List(ctx context.Context, limit int) ([]*storage.ImageRecord, error) {
	query := r.session(ctx).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []ImageRecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]*storage.ImageRecord, 0, len(rows))
	for i := range rows {
		record, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func toRow(record *storage.ImageRecord) (*ImageRecordRow, error) {
	predictions, err := json.Marshal(record.Predictions)
	if err != nil {
		return nil, fmt.Errorf("encode predictions: %w", err)
	}
	return &ImageRecordRow{
		ImgID:        record.ImgID,
		Predictions:  datatypes.JSON(predictions),
		WasteBinary:  record.WasteBinary,
		Timestamp:    record.Timestamp,
		S3URL:        record.S3URL,
		ModelVersion: record.ModelVersion,
	}, nil
}

func fromRow(row *ImageRecordRow) (*storage.ImageRecord, error) {
	var predictions []float32
	if err := json.Unmarshal(row.Predictions, &predictions); err != nil {
		return nil, fmt.Errorf("decode predictions for %s: %w", row.ImgID, err)
	}
	return &storage.ImageRecord{
		ImgID:        row.ImgID,
		Predictions:  predictions,
		WasteBinary:  row.WasteBinary,
		Timestamp:    row.Timestamp,
		S3URL:        row.S3URL,
		ModelVersion: row.ModelVersion,
	}, nil
}
