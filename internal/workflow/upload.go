package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/example/face-enroll/internal/enrollment"
)

// Uploader stores one image.
type Uploader interface {
	UploadImage(ctx context.Context, req enrollment.UploadRequest) (*enrollment.UploadResult, error)
}

// UploadBatch uploads every image in parallel and aggregates the outcomes.
// A failing image never stops its siblings; concurrency <= 0 means no limit.
func UploadBatch(ctx context.Context, uploader Uploader, subject enrollment.Subject, images []enrollment.CapturedImage, concurrency int) enrollment.BatchResult {
	outcomes := make([]enrollment.UploadOutcome, len(images))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, img := range images {
		g.Go(func() error {
			outcomes[i] = uploadOne(ctx, uploader, subject, img)
			return nil
		})
	}
	_ = g.Wait()

	return enrollment.Aggregate(outcomes)
}

func uploadOne(ctx context.Context, uploader Uploader, subject enrollment.Subject, img enrollment.CapturedImage) enrollment.UploadOutcome {
	out := enrollment.UploadOutcome{Slot: img.Slot}
	res, err := uploader.UploadImage(ctx, enrollment.UploadRequestFor(subject, img))
	switch {
	case err != nil:
		out.Error = err.Error()
	case res == nil:
		out.Error = "empty upload response"
	case !res.Success:
		out.Error = res.Error
		if out.Error == "" {
			out.Error = "upload rejected"
		}
	default:
		out.Success = true
		out.StorageReference = res.StoragePath
	}
	return out
}
