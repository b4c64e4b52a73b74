package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/gatewayclient"
	"github.com/example/face-enroll/internal/imagecodec"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Exercise a running gateway end to end",
	Long: `Call the health, lookup, process and upload routes of a running
gateway and report each result. Without --image a blank test picture is
sent, which the face service is expected to reject with "no face".`,
	Args: cobra.NoArgs,
	RunE: runSmoke,
}

func init() {
	rootCmd.AddCommand(smokeCmd)

	smokeCmd.Flags().String("gateway", "http://localhost:8080", "Gateway base URL")
	smokeCmd.Flags().String("student", "2401001", "Student id used for lookup and upload")
	smokeCmd.Flags().String("image", "", "Image file to process and upload")
	smokeCmd.Flags().Bool("upload", false, "Also store the image (writes to the bucket)")
	smokeCmd.Flags().Duration("timeout", 0, "Per-request timeout (0 means none)")
}

type smokeStep struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runSmoke(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client := gatewayclient.New(mustGetString(cmd, "gateway"), mustGetDuration(cmd, "timeout"), logger)
	studentID := mustGetString(cmd, "student")

	frame, err := smokeImage(mustGetString(cmd, "image"))
	if err != nil {
		return err
	}

	subject := enrollment.Subject{ExternalID: studentID, DisplayName: "Smoke Test", GroupLabel: "smoke"}
	steps := smokeSteps(client, &subject, frame, mustGetBool(cmd, "upload"))

	var failed error
	for i, step := range steps {
		detail, err := step.run(cmd.Context())
		if err != nil {
			fmt.Printf("%d. %-8s FAIL %v\n", i+1, step.name, err)
			failed = multierr.Append(failed, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		fmt.Printf("%d. %-8s ok   %s\n", i+1, step.name, detail)
	}
	return failed
}

func smokeSteps(client *gatewayclient.Client, subject *enrollment.Subject, frame string, upload bool) []smokeStep {
	steps := []smokeStep{
		{name: "health", run: func(ctx context.Context) (string, error) {
			report, err := client.Health(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("status=%v face_service=%v", report["status"], report["face_service"]), nil
		}},
		{name: "lookup", run: func(ctx context.Context) (string, error) {
			res, err := client.LookupSubject(ctx, subject.ExternalID)
			if err != nil {
				return "", err
			}
			if !res.Success || res.Student == nil {
				return fmt.Sprintf("not resolved: %s (manual entry allowed: %t)", res.Message, res.ManualEntryAllowed), nil
			}
			*subject = *res.Student
			return fmt.Sprintf("%s, class %s", subject.DisplayName, subject.GroupLabel), nil
		}},
		{name: "detect", run: func(ctx context.Context) (string, error) {
			res, err := client.DetectFaces(ctx, frame)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("success=%t faces=%d", res.Success, res.FacesDetected), nil
		}},
		{name: "process", run: func(ctx context.Context) (string, error) {
			res, err := client.ProcessImage(ctx, enrollment.ProcessRequest{
				Image:       frame,
				StudentID:   subject.ExternalID,
				StudentName: subject.DisplayName,
				ClassName:   subject.GroupLabel,
				Position:    "front",
			})
			if err != nil {
				return "", err
			}
			if res.NoFaceDetected() {
				return "no face detected: " + res.Error, nil
			}
			return fmt.Sprintf("success=%t faces=%d", res.Success, res.Faces()), nil
		}},
	}
	if !upload {
		return steps
	}
	return append(steps, smokeStep{name: "upload", run: func(ctx context.Context) (string, error) {
		res, err := client.UploadImage(ctx, enrollment.UploadRequestFor(*subject, enrollment.CapturedImage{Slot: "smoke", Raw: frame}))
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", fmt.Errorf("upload rejected: %s", res.Error)
		}
		return res.StoragePath, nil
	}})
}

// smokeImage loads path as a data URL, or draws a small grey picture.
func smokeImage(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read smoke image: %w", err)
		}
		img, err := imagecodec.Decode(data, 0)
		if err != nil {
			return "", fmt.Errorf("smoke image %s: %w", path, err)
		}
		return imagecodec.DataURL(img.Data, img.ContentType), nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			canvas.Set(x, y, color.Gray{Y: 128})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return "", fmt.Errorf("encode smoke image: %w", err)
	}
	return imagecodec.DataURL(buf.Bytes(), "image/png"), nil
}
