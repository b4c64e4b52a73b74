package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-enroll/internal/backoff"
)

//go:embed migrations/*.sql
var migrations embed.FS

// UploadLog is the audit record of one image upload attempt.
type UploadLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	StudentID   string    `gorm:"column:student_id;index;size:64"`
	StudentName string    `gorm:"column:student_name;size:255"`
	ClassName   string    `gorm:"column:class_name;size:64"`
	Position    string    `gorm:"column:position;size:32"`
	StoragePath string    `gorm:"column:storage_path;type:text"`
	Backend     string    `gorm:"column:backend;size:32"`
	Fallback    bool      `gorm:"column:fallback"`
	Success     bool      `gorm:"column:success"`
	Error       string    `gorm:"column:error;type:text"`
	SizeBytes   int       `gorm:"column:size_bytes"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (UploadLog) TableName() string {
	return "upload_logs"
}

// MetricsAggregation holds raw upload counters.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	FallbackCount    int64
	DistinctStudents int64
	AverageLatencyMs float64
}

// UploadLogRepository provides persistence APIs for upload logs.
type UploadLogRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy backoff.Policy
}

// NewUploadLogRepository creates a new repository instance.
func NewUploadLogRepository(db *gorm.DB, logger *zap.Logger) *UploadLogRepository {
	return &UploadLogRepository{
		db:     db,
		logger: logger.Named("upload_log_repository"),
		policy: backoff.DefaultPolicy(),
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveUploadLog persists an upload log entry.
func (r *UploadLogRepository) SaveUploadLog(ctx context.Context, log *UploadLog) error {
	return r.executeWithRetry(ctx, "repository.save_upload_log", log.StudentID, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindBySubject returns the newest entries for a student first.
func (r *UploadLogRepository) FindBySubject(ctx context.Context, studentID string, limit int) ([]*UploadLog, error) {
	var logs []*UploadLog
	err := r.executeWithRetry(ctx, "repository.find_by_subject", studentID, func(ctx context.Context) error {
		logs = nil
		q := r.db.WithContext(ctx).Where("student_id = ?", studentID).Order("created_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes counters over every upload log.
func (r *UploadLogRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		FallbackCount    int64
		DistinctStudents int64
		AverageLatencyMs sql.NullFloat64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func(ctx context.Context) error {
		return r.db.WithContext(ctx).Model(&UploadLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COUNT(*) FILTER (WHERE success) AS success_count, " +
				"COUNT(*) FILTER (WHERE fallback) AS fallback_count, " +
				"COUNT(DISTINCT student_id) AS distinct_students, " +
				"AVG(latency_ms) AS average_latency_ms",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		FallbackCount:    row.FallbackCount,
		DistinctStudents: row.DistinctStudents,
		AverageLatencyMs: row.AverageLatencyMs.Float64,
	}, nil
}

func (r *UploadLogRepository) executeWithRetry(ctx context.Context, operation, subjectID string, fn func(ctx context.Context) error) error {
	return backoff.Do(ctx, r.policy, r.logger, operation, subjectID, fn)
}
