package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/camera"
	"github.com/example/face-enroll/internal/config"
	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/gatewayclient"
	"github.com/example/face-enroll/internal/workflow"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <student-id> <frames-dir>",
	Short: "Run one capture session against a gateway",
	Long: `Run a capture session from the terminal. Image files in frames-dir
stand in for the camera and are replayed in name order. Every slot of the
capture profile is filled, then the set is uploaded.

Example:
  face-enroll enroll 2401001 ./frames
  face-enroll enroll --profile sequence --gateway http://gateway:8080 2401001 ./frames
  face-enroll enroll --name "Ana Putri" --class 10A 2401001 ./frames  # when lookup is down`,
	Args: cobra.ExactArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("gateway", "http://localhost:8080", "Gateway base URL")
	enrollCmd.Flags().String("profile", "", "Capture profile (overrides CAPTURE_PROFILE)")
	enrollCmd.Flags().Int("attempts", 3, "Capture attempts per slot before giving up")
	enrollCmd.Flags().Duration("timeout", 0, "Per-request timeout (0 means none)")
	enrollCmd.Flags().Bool("partial", false, "Upload a partial set when a slot cannot be captured")
	enrollCmd.Flags().String("name", "", "Student name to use when the lookup provider is unreachable")
	enrollCmd.Flags().String("class", "", "Class to use with --name")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	studentID, framesDir := args[0], args[1]

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	profile, err := enrollProfile(cmd, cfg)
	if err != nil {
		return err
	}
	allowPartial := cfg.Capture.AllowPartial || mustGetBool(cmd, "partial")
	manualName := mustGetString(cmd, "name")

	gateway := gatewayclient.New(mustGetString(cmd, "gateway"), mustGetDuration(cmd, "timeout"), logger)
	cam := camera.NewDirectoryCamera(framesDir, cfg.Server.MaxImageBytes)

	machine, err := workflow.New(gateway, cam, workflow.Options{
		Slots:             profile.Slots,
		RetryDelay:        cfg.Capture.RetryDelay,
		AllowPartial:      allowPartial,
		AllowManualEntry:  cfg.Capture.AllowManualEntry || manualName != "",
		UploadConcurrency: cfg.Server.UploadConcurrency,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("invalid capture profile %s: %w", profile.Name, err)
	}
	defer machine.Close()

	ctx := cmd.Context()
	subject, err := resolveSubject(ctx, machine, studentID, manualName, mustGetString(cmd, "class"))
	if err != nil {
		return err
	}
	fmt.Printf("Enrolling %s (%s, class %s) with profile %s: %d image(s)\n\n",
		subject.DisplayName, subject.ExternalID, subject.GroupLabel, profile.Name, profile.Target())

	if err := machine.WaitCamera(ctx); err != nil {
		return err
	}
	if view := machine.Snapshot(); !view.CameraLive {
		return fmt.Errorf("camera unavailable: %w", view.Err)
	}

	if err := captureAll(ctx, machine, profile.Target(), mustGetInt(cmd, "attempts"), allowPartial); err != nil {
		return err
	}

	fmt.Printf("\nUploading %d image(s)...\n", machine.Snapshot().Captured)
	result, err := machine.Confirm(ctx)
	for _, o := range result.Failures() {
		fmt.Printf("Failed: %s: %s\n", o.Slot, o.Error)
	}
	if err != nil {
		return err
	}
	logger.Debug("enrollment finished", zap.Strings("paths", result.Paths()))
	fmt.Printf("Uploaded %d/%d image(s)\n", result.UploadedCount, result.Total)
	return nil
}

func enrollProfile(cmd *cobra.Command, cfg *config.Config) (config.Profile, error) {
	if name := mustGetString(cmd, "profile"); name != "" {
		return config.LookupProfile(name)
	}
	return cfg.CaptureProfile()
}

// resolveSubject looks the student up, falling back to the typed details
// when the gateway allows manual entry.
func resolveSubject(ctx context.Context, machine *workflow.Machine, studentID, name, class string) (enrollment.Subject, error) {
	subject, err := machine.ResolveSubject(ctx, studentID)
	if err == nil {
		return subject, nil
	}
	var svcErr *workflow.ServiceError
	if !errors.As(err, &svcErr) || !svcErr.ManualEntryAllowed || name == "" {
		return enrollment.Subject{}, fmt.Errorf("student lookup failed: %w", err)
	}
	fmt.Printf("Lookup unavailable (%s), using the details given on the command line\n", svcErr.Message)
	subject = enrollment.Subject{ExternalID: studentID, DisplayName: name, GroupLabel: class}
	if err := machine.EnterSubject(subject); err != nil {
		return enrollment.Subject{}, err
	}
	return subject, nil
}

// captureAll fills every slot. A slot that keeps failing ends the session,
// or moves on to review with what was captured when partial sets are
// allowed.
func captureAll(ctx context.Context, machine *workflow.Machine, target, attempts int, allowPartial bool) error {
	bar := progressbar.NewOptions(target,
		progressbar.OptionSetDescription("Capturing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	defer fmt.Println()

	failures := 0
	for {
		view := machine.Snapshot()
		if view.State != workflow.StateCapturing {
			return nil
		}
		bar.Describe("Capturing " + view.Cursor)

		_, err := machine.Capture(ctx)
		if err == nil {
			failures = 0
			_ = bar.Add(1)
			continue
		}
		var svcErr *workflow.ServiceError
		if !errors.As(err, &svcErr) {
			return err
		}
		failures++
		fmt.Printf("\n%v\n", svcErr)
		if failures < attempts {
			continue
		}
		if allowPartial && view.Captured > 0 {
			fmt.Printf("Giving up on %s, continuing with %d/%d image(s)\n", view.Cursor, view.Captured, view.Target)
			return machine.Proceed()
		}
		return fmt.Errorf("could not capture %s after %d attempt(s): %w", view.Cursor, attempts, err)
	}
}
