package room

import (
	"testing"

	"github.com/voxprep/voxprep/pkg/core"
)

type recordingSink struct {
	events []any
}

func (s *recordingSink) Send(event any) bool {
	s.events = append(s.events, event)
	return true
}

func TestSingleDriverPerSession(t *testing.T) {
	reg := NewRegistry()
	a, b := &recordingSink{}, &recordingSink{}

	rm, err := reg.AttachDriver("sess_1", a)
	if err != nil {
		t.Fatalf("AttachDriver: %v", err)
	}
	if _, err := reg.AttachDriver("sess_1", b); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("second driver: err = %v, want invalid_state", err)
	}

	rm.Detach(a)
	if _, err := reg.AttachDriver("sess_1", b); err != nil {
		t.Fatalf("driver slot not released: %v", err)
	}
}

func TestBroadcastReachesDriverAndViewers(t *testing.T) {
	reg := NewRegistry()
	driver, viewer := &recordingSink{}, &recordingSink{}

	rm, err := reg.AttachDriver("sess_1", driver)
	if err != nil {
		t.Fatalf("AttachDriver: %v", err)
	}
	reg.AttachViewer("sess_1", viewer)

	rm.Broadcast("hello")
	if len(driver.events) != 1 || len(viewer.events) != 1 {
		t.Fatalf("driver %d viewer %d events, want 1 each", len(driver.events), len(viewer.events))
	}

	rm.Detach(viewer)
	rm.Broadcast("again")
	if len(viewer.events) != 1 {
		t.Fatalf("detached viewer still received events")
	}
	if len(driver.events) != 2 {
		t.Fatalf("driver events = %d, want 2", len(driver.events))
	}
}

func TestEmptyRoomIsDropped(t *testing.T) {
	reg := NewRegistry()
	driver := &recordingSink{}
	rm, _ := reg.AttachDriver("sess_1", driver)
	rm.Detach(driver)

	reg.mu.Lock()
	n := len(reg.rooms)
	reg.mu.Unlock()
	if n != 0 {
		t.Fatalf("registry holds %d rooms after detach, want 0", n)
	}
}

func TestViewersShareRoomWithLaterDriver(t *testing.T) {
	reg := NewRegistry()
	viewer := &recordingSink{}
	rm := reg.AttachViewer("sess_1", viewer)
	if rm.HasDriver() {
		t.Fatalf("room should have no driver yet")
	}

	driver := &recordingSink{}
	rm2, err := reg.AttachDriver("sess_1", driver)
	if err != nil {
		t.Fatalf("AttachDriver: %v", err)
	}
	if rm != rm2 {
		t.Fatalf("viewer and driver landed in different rooms")
	}
	rm.Broadcast("x")
	if len(viewer.events) != 1 || len(driver.events) != 1 {
		t.Fatalf("broadcast missed a sink")
	}
}
