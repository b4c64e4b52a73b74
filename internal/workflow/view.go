package workflow

import "github.com/example/face-enroll/internal/enrollment"

// SlotView describes one slot for display.
type SlotView struct {
	Label  string
	Filled bool
	Image  *enrollment.CapturedImage
}

// View is a consistent snapshot of a session. Everything a UI shows is
// derived from it.
type View struct {
	State      State
	Subject    enrollment.Subject
	Slots      []SlotView
	Cursor     string // empty once every slot is filled
	Captured   int
	Target     int
	Pending    Operation
	CameraLive bool
	Err        error
	Batch      *enrollment.BatchResult
}

// Snapshot copies the current session state.
func (m *Machine) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := m.captures.Slots()
	v := View{
		State:      m.state,
		Subject:    m.subject,
		Slots:      make([]SlotView, 0, len(slots)),
		Captured:   m.captures.Len(),
		Target:     m.captures.Target(),
		Pending:    m.pending,
		CameraLive: m.stream != nil,
		Err:        m.err,
	}
	if m.cursor < len(slots) {
		v.Cursor = slots[m.cursor]
	}
	for _, s := range slots {
		sv := SlotView{Label: s}
		if img, ok := m.captures.Get(s); ok {
			img := img
			sv.Filled, sv.Image = true, &img
		}
		v.Slots = append(v.Slots, sv)
	}
	if m.batch != nil {
		b := *m.batch
		v.Batch = &b
	}
	return v
}

// CanCapture reports whether Capture would be accepted right now.
func (v View) CanCapture() bool {
	return v.State == StateCapturing && v.CameraLive && v.Pending == OpNone && v.Cursor != ""
}

// CanConfirm reports whether Confirm would be accepted right now.
func (v View) CanConfirm() bool {
	return v.State == StateReviewComplete && v.Captured > 0
}

// Progress is the filled fraction of the set in percent.
func (v View) Progress() int {
	if v.Target == 0 {
		return 0
	}
	return v.Captured * 100 / v.Target
}
