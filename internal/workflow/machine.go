// Package workflow drives one enrollment session: resolve the subject,
// capture an image per slot, review, upload, done.
package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/logging"
)

// Gateway is the subset of the API gateway a session talks to.
type Gateway interface {
	LookupSubject(ctx context.Context, externalID string) (*enrollment.LookupResult, error)
	SaveMetadata(ctx context.Context, req enrollment.MetadataRequest) error
	ProcessImage(ctx context.Context, req enrollment.ProcessRequest) (*enrollment.ProcessResult, error)
	Uploader
}

// Camera hands out an exclusive frame stream.
type Camera interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream yields encoded frames until closed.
type Stream interface {
	Frame(ctx context.Context) (string, error)
	Close() error
}

// Options tune a Machine. Zero values fall back to the defaults below.
type Options struct {
	Slots             []string
	RetryDelay        time.Duration
	AllowPartial      bool
	AllowManualEntry  bool
	UploadConcurrency int
	MetadataTimeout   time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

const (
	DefaultRetryDelay      = 800 * time.Millisecond
	DefaultMetadataTimeout = 10 * time.Second
)

// Machine is the capture workflow state machine. All methods are safe for
// concurrent use; no lock is held while an external call is in flight.
type Machine struct {
	gateway Gateway
	camera  Camera
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	subject  enrollment.Subject
	captures *enrollment.CaptureSet
	cursor   int
	stream   Stream
	pending  Operation
	err      error
	batch    *enrollment.BatchResult
	closed   bool

	cameraDone chan struct{}

	// generation moves on every reset and on close; results tagged with an
	// older generation are dropped.
	generation    uint64
	session       context.Context
	cancelSession context.CancelFunc
}

// New builds a machine in the Identity state.
func New(gateway Gateway, camera Camera, opts Options) (*Machine, error) {
	captures, err := enrollment.NewCaptureSet(opts.Slots)
	if err != nil {
		return nil, err
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = DefaultMetadataTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	session, cancel := context.WithCancel(context.Background())
	return &Machine{
		gateway:       gateway,
		camera:        camera,
		opts:          opts,
		logger:        opts.Logger.Named("workflow"),
		captures:      captures,
		session:       session,
		cancelSession: cancel,
	}, nil
}

// ResolveSubject looks the subject up and, on success, starts capturing.
// It returns an error only when the machine stayed in Identity; a camera
// failure after the transition is attached to the snapshot instead.
func (m *Machine) ResolveSubject(ctx context.Context, externalID string) (enrollment.Subject, error) {
	m.mu.Lock()
	if err := m.ready("resolve subject", StateIdentity); err != nil {
		m.mu.Unlock()
		return enrollment.Subject{}, err
	}
	if externalID == "" {
		m.err = enrollment.ErrIncompleteSubject
		m.mu.Unlock()
		return enrollment.Subject{}, enrollment.ErrIncompleteSubject
	}
	m.pending, m.err = OpLookup, nil
	gen, session := m.generation, m.session
	m.mu.Unlock()

	callCtx, cancel := bind(ctx, session)
	res, err := m.gateway.LookupSubject(callCtx, externalID)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if stale := m.stale(gen); stale != nil {
		return enrollment.Subject{}, stale
	}
	m.pending = OpNone
	if err != nil {
		m.err = logging.NewOperationError("workflow.lookup_subject", externalID, err)
		return enrollment.Subject{}, m.err
	}
	if res == nil || !res.Success || res.Student == nil {
		svcErr := &ServiceError{Operation: "lookup"}
		if res != nil {
			svcErr.Message = res.Message
			svcErr.ManualEntryAllowed = res.ManualEntryAllowed && m.opts.AllowManualEntry
		}
		m.err = svcErr
		return enrollment.Subject{}, m.err
	}
	subject := *res.Student
	if subject.ExternalID == "" {
		subject.ExternalID = externalID
	}
	if err := subject.Validate(); err != nil {
		m.err = err
		return enrollment.Subject{}, err
	}
	m.beginCapturingLocked(subject)
	return subject, nil
}

// EnterSubject accepts a manually typed subject when the lookup provider is
// unreachable and manual entry is enabled.
func (m *Machine) EnterSubject(subject enrollment.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready("enter subject", StateIdentity); err != nil {
		return err
	}
	if !m.opts.AllowManualEntry {
		return ErrManualEntryDisabled
	}
	if err := subject.Validate(); err != nil {
		m.err = err
		return err
	}
	m.beginCapturingLocked(subject)
	return nil
}

func (m *Machine) beginCapturingLocked(subject enrollment.Subject) {
	m.subject = subject
	m.state = StateCapturing
	m.cursor = m.captures.FirstEmpty()
	m.err = nil
	m.saveMetadata(subject, m.session)
	m.startCameraLocked()
}

// saveMetadata is fire and forget: the outcome is only logged.
func (m *Machine) saveMetadata(subject enrollment.Subject, session context.Context) {
	logger := logging.WithOperation(m.logger, "workflow.save_metadata", subject.ExternalID)
	go func() {
		ctx, cancel := context.WithTimeout(session, m.opts.MetadataTimeout)
		defer cancel()
		if err := m.gateway.SaveMetadata(ctx, enrollment.MetadataRequestFor(subject)); err != nil {
			logger.Warn("metadata not saved", zap.Error(err))
			return
		}
		logger.Debug("metadata saved")
	}()
}

// startCameraLocked marks the camera as pending and acquires it in the
// background so the lock is not held across the call.
func (m *Machine) startCameraLocked() {
	if m.stream != nil || m.pending == OpCamera {
		return
	}
	m.pending = OpCamera
	gen, session := m.generation, m.session
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.acquire(session, gen)
	}()
	m.cameraDone = done
}

func (m *Machine) acquire(ctx context.Context, gen uint64) {
	stream, err := m.camera.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.closed || m.state != StateCapturing {
		if stream != nil {
			_ = stream.Close()
		}
		if gen == m.generation && m.pending == OpCamera {
			m.pending = OpNone
		}
		return
	}
	m.pending = OpNone
	if err != nil {
		m.err = logging.NewOperationError("workflow.acquire_camera", m.subject.ExternalID, err)
		logging.WithOperation(m.logger, "workflow.acquire_camera", m.subject.ExternalID).Warn("camera unavailable", zap.Error(err))
		return
	}
	m.stream = stream
}

// WaitCamera blocks until a pending camera acquisition finished.
func (m *Machine) WaitCamera(ctx context.Context) error {
	m.mu.Lock()
	done := m.cameraDone
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryCamera re-acquires the camera after a failure.
func (m *Machine) RetryCamera(ctx context.Context) error {
	m.mu.Lock()
	if err := m.ready("retry camera", StateCapturing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.err = nil
	m.startCameraLocked()
	m.mu.Unlock()

	if err := m.WaitCamera(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		if m.err != nil {
			return m.err
		}
		return ErrNoCamera
	}
	return nil
}

// Capture grabs a frame for the cursor slot and sends it for processing.
// When the service reports no face, it waits RetryDelay and tries one more
// fresh frame before giving up.
// On success the cursor moves to the first empty slot, so a retake that
// refills the last gap goes straight to review.
func (m *Machine) Capture(ctx context.Context) (enrollment.CapturedImage, error) {
	m.mu.Lock()
	if err := m.ready("capture", StateCapturing); err != nil {
		m.mu.Unlock()
		return enrollment.CapturedImage{}, err
	}
	if m.stream == nil {
		m.mu.Unlock()
		return enrollment.CapturedImage{}, ErrNoCamera
	}
	if m.cursor >= m.captures.Target() {
		m.mu.Unlock()
		return enrollment.CapturedImage{}, ErrCaptureSetComplete
	}
	slot := m.captures.Slots()[m.cursor]
	stream, subject := m.stream, m.subject
	gen, session := m.generation, m.session
	m.pending, m.err = OpCapture, nil
	m.mu.Unlock()

	callCtx, cancel := bind(ctx, session)
	img, err := m.captureSlot(callCtx, stream, subject, slot)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if stale := m.stale(gen); stale != nil {
		return enrollment.CapturedImage{}, stale
	}
	m.pending = OpNone
	if err != nil {
		m.err = err
		return enrollment.CapturedImage{}, err
	}
	if err := m.captures.Put(img); err != nil {
		m.err = err
		return enrollment.CapturedImage{}, err
	}
	m.cursor = m.captures.FirstEmpty()
	if m.captures.Complete() {
		m.enterReviewLocked()
	}
	return img, nil
}

func (m *Machine) captureSlot(ctx context.Context, stream Stream, subject enrollment.Subject, slot string) (enrollment.CapturedImage, error) {
	logger := logging.WithSlot(logging.WithOperation(m.logger, "workflow.capture", subject.ExternalID), slot)

	frame, res, err := m.processFrame(ctx, stream, subject, slot)
	if err != nil {
		return enrollment.CapturedImage{}, err
	}
	if res.NoFaceDetected() {
		logger.Info("no face detected, retrying once", zap.Duration("delay", m.opts.RetryDelay))
		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return enrollment.CapturedImage{}, ctx.Err()
		case <-timer.C:
		}
		frame, res, err = m.processFrame(ctx, stream, subject, slot)
		if err != nil {
			return enrollment.CapturedImage{}, err
		}
	}
	if !res.Success {
		logger.Info("capture rejected", zap.String("error", res.Error), zap.Int("faces_detected", res.Faces()))
		return enrollment.CapturedImage{}, &ServiceError{
			Operation:  "process image",
			Slot:       slot,
			Message:    res.Error,
			Suggestion: res.Suggestion,
			NoFace:     res.NoFaceDetected(),
		}
	}
	logger.Debug("capture accepted", zap.Int("faces_detected", res.Faces()))
	return enrollment.CapturedImage{
		Slot:       slot,
		Raw:        frame,
		Processed:  res.ProcessedImage,
		CapturedAt: m.opts.Now().UnixMilli(),
	}, nil
}

func (m *Machine) processFrame(ctx context.Context, stream Stream, subject enrollment.Subject, slot string) (string, *enrollment.ProcessResult, error) {
	frame, err := stream.Frame(ctx)
	if err != nil {
		return "", nil, logging.NewOperationError("workflow.camera_frame", subject.ExternalID, err)
	}
	res, err := m.gateway.ProcessImage(ctx, enrollment.ProcessRequest{
		Image:       frame,
		StudentID:   subject.ExternalID,
		StudentName: subject.DisplayName,
		ClassName:   subject.GroupLabel,
		Position:    slot,
	})
	if err != nil {
		return "", nil, logging.NewOperationError("workflow.process_image", subject.ExternalID, err)
	}
	return frame, res, nil
}

// Delete removes a slot's image and points the cursor back at it. From
// ReviewComplete this regresses to Capturing.
func (m *Machine) Delete(slot string) error {
	return m.clearSlot("delete", slot, true)
}

// Retake points the cursor at slot, discarding any image already there.
func (m *Machine) Retake(slot string) error {
	return m.clearSlot("retake", slot, false)
}

func (m *Machine) clearSlot(op, slot string, mustExist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(op, StateCapturing, StateReviewComplete); err != nil {
		return err
	}
	idx, ok := m.captures.IndexOf(slot)
	if !ok {
		return enrollment.ErrUnknownSlot
	}
	if mustExist && !m.captures.Has(slot) {
		return ErrSlotEmpty
	}
	if _, err := m.captures.Remove(slot); err != nil {
		return err
	}
	m.cursor = idx
	m.err = nil
	if m.state == StateReviewComplete {
		m.state = StateCapturing
		m.batch = nil
		m.startCameraLocked()
	}
	return nil
}

// Proceed moves to review with a partial set when partial submission is
// allowed.
func (m *Machine) Proceed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready("proceed", StateCapturing); err != nil {
		return err
	}
	if m.captures.Complete() {
		m.enterReviewLocked()
		return nil
	}
	if !m.opts.AllowPartial {
		return invalid("proceed with partial set", m.state)
	}
	if m.captures.Len() == 0 {
		return ErrEmptyCaptureSet
	}
	m.enterReviewLocked()
	return nil
}

func (m *Machine) enterReviewLocked() {
	m.releaseLocked()
	m.state = StateReviewComplete
	m.cursor = m.captures.FirstEmpty()
}

// Confirm uploads the capture set. Any stored image completes the session;
// when none is stored the machine returns to ReviewComplete with the set
// untouched.
func (m *Machine) Confirm(ctx context.Context) (enrollment.BatchResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return enrollment.BatchResult{}, ErrClosed
	}
	if m.state != StateReviewComplete {
		err := invalid("confirm", m.state)
		m.mu.Unlock()
		return enrollment.BatchResult{}, err
	}
	if m.captures.Len() == 0 {
		m.err = ErrEmptyCaptureSet
		m.mu.Unlock()
		return enrollment.BatchResult{}, ErrEmptyCaptureSet
	}
	images := m.captures.Images()
	subject := m.subject
	gen, session := m.generation, m.session
	m.state, m.err, m.batch = StateUploading, nil, nil
	m.mu.Unlock()

	callCtx, cancel := bind(ctx, session)
	result := UploadBatch(callCtx, m.gateway, subject, images, m.opts.UploadConcurrency)
	cancel()

	logger := logging.WithOperation(m.logger, "workflow.upload", subject.ExternalID)
	var failures error
	for _, o := range result.Failures() {
		failures = multierr.Append(failures, &ServiceError{Operation: "upload", Slot: o.Slot, Message: o.Error})
	}
	if failures != nil {
		logger.Warn("some uploads failed", zap.Int("uploaded", result.UploadedCount), zap.Int("total", result.Total), zap.Error(failures))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stale := m.stale(gen); stale != nil {
		return result, stale
	}
	m.batch = &result
	if result.Succeeded() {
		m.state = StateDone
		logger.Info("enrollment uploaded", zap.Int("uploaded", result.UploadedCount), zap.Int("total", result.Total))
		return result, nil
	}
	m.state = StateReviewComplete
	m.err = &UploadError{Result: result}
	return result, m.err
}

// Reset abandons the session and returns to Identity with nothing kept.
// In-flight calls are cancelled and their results ignored.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.newGenerationLocked()
	m.session, m.cancelSession = context.WithCancel(context.Background())
	m.state = StateIdentity
	m.subject = enrollment.Subject{}
	m.captures.Clear()
	m.cursor = 0
	m.err = nil
	m.batch = nil
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.newGenerationLocked()
	return nil
}

func (m *Machine) newGenerationLocked() {
	m.generation++
	m.cancelSession()
	m.releaseLocked()
	m.pending = OpNone
	m.cameraDone = nil
}

func (m *Machine) releaseLocked() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Close(); err != nil {
		m.logger.Warn("camera release failed", zap.Error(err))
	}
	m.stream = nil
}

// ready checks the machine is open, idle, and in one of the given states.
func (m *Machine) ready(op string, states ...State) error {
	if m.closed {
		return ErrClosed
	}
	allowed := false
	for _, s := range states {
		if m.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return invalid(op, m.state)
	}
	if m.pending != OpNone && m.pending != OpCamera {
		return ErrBusy
	}
	if m.pending == OpCamera && op == "capture" {
		return ErrBusy
	}
	return nil
}

func (m *Machine) stale(gen uint64) error {
	if gen == m.generation {
		return nil
	}
	if m.closed {
		return ErrClosed
	}
	return ErrSessionReset
}

// bind derives a context that is also cancelled when the session ends.
func bind(ctx, session context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
