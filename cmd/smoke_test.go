package cmd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/gatewayclient"
)

func TestSmokeStepsAgainstGateway(t *testing.T) {
	gw := &fakeGateway{noFaceSlots: map[string]bool{"front": true}}
	server := httptest.NewServer(gw.handler(t))
	defer server.Close()

	frame, err := smokeImage("")
	if err != nil {
		t.Fatalf("smoke image: %v", err)
	}
	if !strings.HasPrefix(frame, "data:image/png;base64,") {
		t.Fatalf("unexpected frame prefix: %.30s", frame)
	}

	client := gatewayclient.New(server.URL, time.Second, zap.NewNop())
	subject := enrollment.Subject{ExternalID: "2401"}
	steps := smokeSteps(client, &subject, frame, true)
	if len(steps) != 5 {
		t.Fatalf("expected 5 steps with upload, got %d", len(steps))
	}

	details := map[string]string{}
	for _, step := range steps {
		detail, err := step.run(context.Background())
		if err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		details[step.name] = detail
	}
	if subject.DisplayName != "Ana Putri" {
		t.Fatalf("lookup did not update the subject: %+v", subject)
	}
	if !strings.HasPrefix(details["process"], "no face detected") {
		t.Fatalf("unexpected process detail: %s", details["process"])
	}
	if details["upload"] != "gs://faces/smoke" {
		t.Fatalf("unexpected upload detail: %s", details["upload"])
	}

	if got := len(smokeSteps(client, &subject, frame, false)); got != 4 {
		t.Fatalf("expected 4 steps without upload, got %d", got)
	}
}
