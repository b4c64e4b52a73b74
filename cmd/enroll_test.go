package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/camera"
	"github.com/example/face-enroll/internal/config"
	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/gatewayclient"
	"github.com/example/face-enroll/internal/workflow"
)

type fakeGateway struct {
	mu          sync.Mutex
	lookupDown  bool
	noFaceSlots map[string]bool
	uploaded    []string
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("/api/student/lookup", func(w http.ResponseWriter, r *http.Request) {
		if g.lookupDown {
			reply(w, http.StatusServiceUnavailable, enrollment.LookupResult{Message: "identity provider unreachable", ManualEntryAllowed: true})
			return
		}
		reply(w, http.StatusOK, enrollment.LookupResult{
			Success: true,
			Student: &enrollment.Subject{ExternalID: "2401", DisplayName: "Ana Putri", GroupLabel: "10A"},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"status": "ok", "face_service": "ok"})
	})
	mux.HandleFunc("/api/detect-faces", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, enrollment.DetectResult{Faces: []enrollment.FaceBox{}})
	})
	mux.HandleFunc("/api/student/metadata", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/process-image", func(w http.ResponseWriter, r *http.Request) {
		var req enrollment.ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode process request: %v", err)
		}
		if g.noFaceSlots[req.Position] {
			zero := 0
			reply(w, http.StatusBadRequest, enrollment.ProcessResult{FacesDetected: &zero, Error: "No faces detected"})
			return
		}
		one := 1
		reply(w, http.StatusOK, enrollment.ProcessResult{Success: true, FacesDetected: &one, ProcessedImage: req.Image})
	})
	mux.HandleFunc("/api/upload-image", func(w http.ResponseWriter, r *http.Request) {
		var req enrollment.UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode upload request: %v", err)
		}
		g.mu.Lock()
		g.uploaded = append(g.uploaded, req.Position)
		g.mu.Unlock()
		reply(w, http.StatusOK, enrollment.UploadResult{Success: true, StoragePath: "gs://faces/" + req.Position})
	})
	return mux
}

func newEnrollMachine(t *testing.T, gw *fakeGateway, opts workflow.Options) *workflow.Machine {
	t.Helper()
	server := httptest.NewServer(gw.handler(t))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "frame.png"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	opts.Slots = []string{"front", "left", "right"}
	opts.RetryDelay = time.Millisecond
	opts.Logger = zap.NewNop()
	machine, err := workflow.New(gatewayclient.New(server.URL, time.Second, zap.NewNop()), camera.NewDirectoryCamera(dir, 1<<20), opts)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	t.Cleanup(func() { machine.Close() })
	return machine
}

func TestEnrollSessionUploadsEverySlot(t *testing.T) {
	gw := &fakeGateway{}
	machine := newEnrollMachine(t, gw, workflow.Options{})
	ctx := context.Background()

	subject, err := resolveSubject(ctx, machine, "2401", "", "")
	if err != nil {
		t.Fatalf("resolve subject: %v", err)
	}
	if subject.DisplayName != "Ana Putri" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if err := machine.WaitCamera(ctx); err != nil {
		t.Fatalf("wait camera: %v", err)
	}
	if err := captureAll(ctx, machine, 3, 2, false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	result, err := machine.Confirm(ctx)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.UploadedCount != 3 || len(gw.uploaded) != 3 {
		t.Fatalf("expected 3 uploads, got %d (%v)", result.UploadedCount, gw.uploaded)
	}
	if machine.Snapshot().State != workflow.StateDone {
		t.Fatalf("expected done, got %s", machine.Snapshot().State)
	}
}

func TestEnrollSessionFallsBackToManualEntry(t *testing.T) {
	gw := &fakeGateway{lookupDown: true}
	machine := newEnrollMachine(t, gw, workflow.Options{AllowManualEntry: true})

	if _, err := resolveSubject(context.Background(), machine, "2401", "", ""); err == nil {
		t.Fatal("expected lookup failure without a typed name")
	}
	subject, err := resolveSubject(context.Background(), machine, "2401", "Ana Putri", "10A")
	if err != nil {
		t.Fatalf("manual entry: %v", err)
	}
	if subject.GroupLabel != "10A" || machine.Snapshot().State != workflow.StateCapturing {
		t.Fatalf("unexpected session after manual entry: %+v", machine.Snapshot())
	}
}

func TestCaptureAllGivesUpOnStubbornSlot(t *testing.T) {
	gw := &fakeGateway{noFaceSlots: map[string]bool{"right": true}}
	ctx := context.Background()

	strict := newEnrollMachine(t, gw, workflow.Options{})
	if _, err := strict.ResolveSubject(ctx, "2401"); err != nil {
		t.Fatalf("resolve subject: %v", err)
	}
	_ = strict.WaitCamera(ctx)
	if err := captureAll(ctx, strict, 3, 2, false); err == nil {
		t.Fatal("expected capture to fail on the right slot")
	}

	partial := newEnrollMachine(t, gw, workflow.Options{AllowPartial: true})
	if _, err := partial.ResolveSubject(ctx, "2401"); err != nil {
		t.Fatalf("resolve subject: %v", err)
	}
	_ = partial.WaitCamera(ctx)
	if err := captureAll(ctx, partial, 3, 2, true); err != nil {
		t.Fatalf("partial capture: %v", err)
	}
	view := partial.Snapshot()
	if view.State != workflow.StateReviewComplete || view.Captured != 2 {
		t.Fatalf("expected review with 2 images, got %s with %d", view.State, view.Captured)
	}
}

func TestEnrollHelpProfilesExist(t *testing.T) {
	found := 0
	for _, line := range strings.Split(enrollCmd.Long, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f != "--profile" || i+1 >= len(fields) {
				continue
			}
			found++
			if _, err := config.LookupProfile(fields[i+1]); err != nil {
				t.Fatalf("help example %q: %v", strings.TrimSpace(line), err)
			}
		}
	}
	if found == 0 {
		t.Fatal("expected a --profile example in the enroll help")
	}
}
