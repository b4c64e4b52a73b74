package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/backoff"
	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/faceservice"
	"github.com/example/face-enroll/internal/identity"
	"github.com/example/face-enroll/internal/imagecodec"
	"github.com/example/face-enroll/internal/logging"
	"github.com/example/face-enroll/internal/repository"
	"github.com/example/face-enroll/internal/storage"
	"github.com/example/face-enroll/internal/workflow"
)

// ErrInvalidInput marks requests rejected before any collaborator is called.
var ErrInvalidInput = errors.New("invalid input")

// ErrStorage is returned when an image could not be stored anywhere.
var ErrStorage = errors.New("image storage failed")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// UploadLogRepository defines the persistence operations needed by the use case.
type UploadLogRepository interface {
	SaveUploadLog(ctx context.Context, log *repository.UploadLog) error
	FindBySubject(ctx context.Context, studentID string, limit int) ([]*repository.UploadLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ImageSaver stores image bytes, falling back between backends.
type ImageSaver interface {
	Save(ctx context.Context, obj storage.Object) (storage.Saved, error)
	Backends() []string
}

// Options tune the use case.
type Options struct {
	LookupCacheTTL      time.Duration
	MaxImageBytes       int64
	UploadConcurrency   int
	AllowManualFallback bool
	StorageStatus       map[string]any
}

// EnrollmentUseCase encapsulates the gateway logic: validate, forward,
// store, audit.
type EnrollmentUseCase struct {
	identity identity.Lookup
	face     faceservice.Client
	images   ImageSaver
	metadata storage.MetadataStore
	repo     UploadLogRepository
	cache    Cache
	logger   *zap.Logger
	opts     Options
	policy   backoff.Policy
	now      func() time.Time
}

// NewEnrollmentUseCase constructs a new use case instance.
func NewEnrollmentUseCase(
	lookup identity.Lookup,
	face faceservice.Client,
	images ImageSaver,
	metadata storage.MetadataStore,
	repo UploadLogRepository,
	cache Cache,
	logger *zap.Logger,
	opts Options,
) *EnrollmentUseCase {
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	if metadata == nil {
		metadata = storage.NoopMetadata{}
	}
	if repo == nil {
		repo = NoopRepository{}
	}
	if cache == nil {
		cache = NoopCache{}
	}
	return &EnrollmentUseCase{
		identity: lookup,
		face:     face,
		images:   images,
		metadata: metadata,
		repo:     repo,
		cache:    cache,
		logger:   logger.Named("enrollment_usecase"),
		opts:     opts,
		policy:   backoff.DefaultPolicy(),
		now:      time.Now,
	}
}

// MaxImageBytes is the decoded size limit for a single image.
func (uc *EnrollmentUseCase) MaxImageBytes() int64 {
	return uc.opts.MaxImageBytes
}

// ManualEntryAllowed reports whether clients may type a subject in when the
// identity provider is unreachable.
func (uc *EnrollmentUseCase) ManualEntryAllowed() bool {
	return uc.opts.AllowManualFallback
}

// LookupSubject resolves a student id, serving repeats from the cache.
func (uc *EnrollmentUseCase) LookupSubject(ctx context.Context, studentID string) (enrollment.Subject, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return enrollment.Subject{}, invalidf("Student ID is required")
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.lookup_subject", studentID)
	cacheKey := "student:" + studentID

	cached, err := uc.withRedisGet(ctx, studentID, "cache.get.student", cacheKey)
	switch {
	case err == nil:
		var subject enrollment.Subject
		if err := json.Unmarshal([]byte(cached), &subject); err == nil && subject.Validate() == nil {
			opLogger.Debug("lookup served from cache")
			return subject, nil
		}
		opLogger.Warn("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	subject, err := uc.identity.Lookup(ctx, studentID)
	if err != nil {
		return enrollment.Subject{}, err
	}

	if uc.opts.LookupCacheTTL > 0 {
		serialized, err := json.Marshal(subject)
		if err == nil {
			err = uc.withRedisRetry(ctx, studentID, "cache.set.student", func(ctx context.Context) error {
				return uc.cache.Set(ctx, cacheKey, string(serialized), uc.opts.LookupCacheTTL)
			})
		}
		if err != nil {
			opLogger.Warn("failed to cache lookup", zap.Error(err))
		}
	}
	return subject, nil
}

// SaveMetadata validates and writes the per-student record.
func (uc *EnrollmentUseCase) SaveMetadata(ctx context.Context, req enrollment.MetadataRequest) (map[string]any, error) {
	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Homeroom) == "" {
		return nil, invalidf("Missing required fields: studentId, name, homeroom")
	}
	if err := uc.metadata.SaveStudent(ctx, req); err != nil {
		wrapped := logging.NewOperationError("usecase.save_metadata", req.StudentID, err)
		logging.WithOperation(uc.logger, "usecase.save_metadata", req.StudentID).Error("failed to save metadata", zap.Error(err))
		return nil, wrapped
	}
	return map[string]any{
		"id":         req.StudentID,
		"name":       req.Name,
		"homeroom":   req.Homeroom,
		"gradeCode":  valueOr(req.GradeCode, "Unknown"),
		"gradeName":  valueOr(req.GradeName, "Unknown"),
		"created_at": uc.now().UTC().Format(time.RFC3339),
	}, nil
}

// ProcessImage checks the frame and forwards it to the face service. The
// service's status code is returned for the handler to mirror.
func (uc *EnrollmentUseCase) ProcessImage(ctx context.Context, req enrollment.ProcessRequest) (*enrollment.ProcessResult, int, error) {
	if req.Image == "" {
		return nil, 0, invalidf("No image provided")
	}
	if err := validateUpload(req.StudentID, req.StudentName, req.ClassName, req.Position); err != nil {
		return nil, 0, err
	}
	if _, err := imagecodec.DecodeDataURL(req.Image, uc.opts.MaxImageBytes); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return uc.face.Process(ctx, req)
}

// DetectFaces never fails: any problem yields an empty detection so the
// live overlay keeps running. Frames that do not decode or exceed the size
// limit are not forwarded.
func (uc *EnrollmentUseCase) DetectFaces(ctx context.Context, image string) *enrollment.DetectResult {
	empty := &enrollment.DetectResult{Success: false, Faces: []enrollment.FaceBox{}}
	if _, err := imagecodec.DecodeDataURL(image, uc.opts.MaxImageBytes); err != nil {
		uc.logger.Debug("detection frame rejected", zap.Error(err))
		return empty
	}
	res, err := uc.face.Detect(ctx, image)
	if err != nil || res == nil {
		uc.logger.Debug("face detection unavailable", zap.Error(err))
		return empty
	}
	if res.Faces == nil {
		res.Faces = []enrollment.FaceBox{}
	}
	return res
}

// UploadImage decodes, normalises and stores one image, then records
// metadata and the audit entry. Only a storage failure fails the call.
func (uc *EnrollmentUseCase) UploadImage(ctx context.Context, req enrollment.UploadRequest) (*enrollment.UploadResult, error) {
	if err := validateUpload(req.StudentID, req.StudentName, req.ClassName, req.Position); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, invalidf("image is required")
	}
	img, err := imagecodec.DecodeDataURL(req.Image, uc.opts.MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	saved, err := uc.store(ctx, storeRequest{
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		ClassName:   req.ClassName,
		Position:    req.Position,
	}, img)
	if err != nil {
		return &enrollment.UploadResult{Success: false, Error: err.Error()}, err
	}
	return &enrollment.UploadResult{Success: true, StoragePath: saved.Reference, Fallback: saved.Fallback}, nil
}

// BatchResponse is the /api/upload-images answer.
type BatchResponse struct {
	enrollment.BatchResult
	Success bool     `json:"success"`
	Paths   []string `json:"paths"`
}

// UploadBatch stores every image of a capture set in parallel. The batch
// succeeds when any image was stored.
func (uc *EnrollmentUseCase) UploadBatch(ctx context.Context, req enrollment.BatchUploadRequest) (*BatchResponse, error) {
	if err := validateUpload(req.StudentID, req.StudentName, req.ClassName, "batch"); err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, invalidf("No images provided")
	}

	slots := make([]string, 0, len(req.Images))
	for slot := range req.Images {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	images := make([]enrollment.CapturedImage, 0, len(slots))
	for _, slot := range slots {
		images = append(images, enrollment.CapturedImage{Slot: slot, Raw: req.Images[slot]})
	}
	subject := enrollment.Subject{ExternalID: req.StudentID, DisplayName: req.StudentName, GroupLabel: req.ClassName}

	result := workflow.UploadBatch(ctx, uc, subject, images, uc.opts.UploadConcurrency)
	logging.WithOperation(uc.logger, "usecase.upload_batch", req.StudentID).Info("batch uploaded",
		zap.Int("uploaded", result.UploadedCount), zap.Int("total", result.Total))

	paths := result.Paths()
	if paths == nil {
		paths = []string{}
	}
	return &BatchResponse{BatchResult: result, Success: result.Succeeded(), Paths: paths}, nil
}

// FileUpload is a raw image received as multipart form data.
type FileUpload struct {
	StudentID   string
	StudentName string
	ClassName   string
	Position    string
	Filename    string
	Data        []byte
}

// FileUploadResult is echoed back to the uploader.
type FileUploadResult struct {
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	ClassName   string `json:"className"`
	Position    string `json:"position"`
	Size        int    `json:"size"`
	StoragePath string `json:"storage_path"`
	Fallback    bool   `json:"fallback"`
}

// UploadFile stores a multipart image.
func (uc *EnrollmentUseCase) UploadFile(ctx context.Context, f FileUpload) (*FileUploadResult, error) {
	if err := validateUpload(f.StudentID, f.StudentName, f.ClassName, valueOr(f.Position, "upload")); err != nil {
		return nil, err
	}
	img, err := imagecodec.Decode(f.Data, uc.opts.MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	saved, err := uc.store(ctx, storeRequest{
		StudentID:   f.StudentID,
		StudentName: f.StudentName,
		ClassName:   f.ClassName,
		Position:    valueOr(f.Position, "upload"),
	}, img)
	if err != nil {
		return nil, err
	}
	return &FileUploadResult{
		StudentID:   f.StudentID,
		StudentName: f.StudentName,
		ClassName:   f.ClassName,
		Position:    f.Position,
		Size:        len(f.Data),
		StoragePath: saved.Reference,
		Fallback:    saved.Fallback,
	}, nil
}

type storeRequest struct {
	StudentID   string
	StudentName string
	ClassName   string
	Position    string
}

func (uc *EnrollmentUseCase) store(ctx context.Context, req storeRequest, img *imagecodec.Image) (storage.Saved, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithSlot(logging.WithOperation(uc.logger, "usecase.store_image", req.StudentID), req.Position).
		With(zap.String("request_id", requestID))
	started := uc.now()

	data, err := imagecodec.NormalizeJPEG(img)
	if err != nil {
		return storage.Saved{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	saved, err := uc.images.Save(ctx, storage.Object{
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		ClassName:   req.ClassName,
		Position:    req.Position,
		Data:        data,
		ContentType: "image/jpeg",
		CreatedAt:   started,
	})

	entry := &repository.UploadLog{
		RequestID:   requestID,
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		ClassName:   req.ClassName,
		Position:    req.Position,
		StoragePath: saved.Reference,
		Backend:     saved.Backend,
		Fallback:    saved.Fallback,
		Success:     err == nil,
		SizeBytes:   len(data),
		LatencyMs:   uc.now().Sub(started).Milliseconds(),
		CreatedAt:   started.UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := uc.repo.SaveUploadLog(ctx, entry); logErr != nil {
		opLogger.Warn("failed to persist upload log", zap.Error(logErr))
	}

	if err != nil {
		opLogger.Error("image not stored", zap.Error(err))
		return storage.Saved{}, logging.NewOperationError("usecase.store_image", req.StudentID, fmt.Errorf("%w: %v", ErrStorage, err))
	}

	if metaErr := uc.metadata.RecordImage(ctx, storage.ImageRecord{
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		ClassName:   req.ClassName,
		Position:    req.Position,
		StoragePath: saved.Reference,
		Backend:     saved.Backend,
		Fallback:    saved.Fallback,
		Size:        len(data),
		UploadedAt:  started.UTC(),
	}); metaErr != nil {
		opLogger.Warn("failed to record image metadata", zap.Error(metaErr))
	}

	opLogger.Info("image stored", zap.String("storage_path", saved.Reference), zap.Bool("fallback", saved.Fallback))
	return saved, nil
}

// ListUploads returns the audit trail of a student.
func (uc *EnrollmentUseCase) ListUploads(ctx context.Context, studentID string, limit int) ([]*repository.UploadLog, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, invalidf("student id is required")
	}
	return uc.repo.FindBySubject(ctx, studentID, limit)
}

// StorageStatus reports which backends are configured. No secrets.
func (uc *EnrollmentUseCase) StorageStatus() map[string]any {
	status := map[string]any{"backends": uc.images.Backends()}
	for k, v := range uc.opts.StorageStatus {
		status[k] = v
	}
	return status
}

// HealthReport is the /health answer.
type HealthReport struct {
	Status      string   `json:"status"`
	FaceService string   `json:"face_service"`
	Storage     []string `json:"storage"`
	Identity    string   `json:"identity"`
	Cache       string   `json:"cache"`
}

// Health probes the collaborators. The gateway itself is healthy as long
// as it answers; collaborator problems only degrade the report.
func (uc *EnrollmentUseCase) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", FaceService: "ok", Storage: uc.images.Backends(), Identity: "configured", Cache: "ok"}
	if err := uc.face.Health(ctx); err != nil {
		report.FaceService = "unavailable"
		report.Status = "degraded"
	}
	if err := uc.cache.Ping(ctx); err != nil {
		report.Cache = "unavailable"
		report.Status = "degraded"
	}
	if len(report.Storage) == 0 {
		report.Status = "degraded"
	}
	return report
}

func (uc *EnrollmentUseCase) withRedisRetry(ctx context.Context, subjectID, operation string, fn func(ctx context.Context) error) error {
	return backoff.Do(ctx, uc.policy, uc.logger, operation, subjectID, fn)
}

func (uc *EnrollmentUseCase) withRedisGet(ctx context.Context, subjectID, operation, cacheKey string) (string, error) {
	var (
		result string
		miss   bool
	)
	err := uc.withRedisRetry(ctx, subjectID, operation, func(ctx context.Context) error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return result, nil
}

// validateUpload checks the subject fields every image route requires.
func validateUpload(studentID, studentName, className, position string) error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"studentId", studentID},
		{"studentName", studentName},
		{"className", className},
		{"position", position},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return invalidf("Missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// NoopRepository stands in when no database is configured.
type NoopRepository struct{}

func (NoopRepository) SaveUploadLog(context.Context, *repository.UploadLog) error { return nil }
func (NoopRepository) FindBySubject(context.Context, string, int) ([]*repository.UploadLog, error) {
	return []*repository.UploadLog{}, nil
}
func (NoopRepository) AggregateMetrics(context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}
