package intr_test

import (
	"testing"

	"vmmcore/intr"
)

type fakeController struct {
	pending     bool
	vector      uint8
	beginCalled []uint8
}

func (f *fakeController) IntrPending() bool    { return f.pending }
func (f *fakeController) GetIntrNumber() uint8  { return f.vector }
func (f *fakeController) BeginIRQ(vector uint8) { f.beginCalled = append(f.beginCalled, vector) }

func TestNextInjectionExceptionBeatsEverything(t *testing.T) {
	c := intr.NewCore()
	ctrl := &fakeController{pending: true, vector: 0x40}
	c.RegisterController(ctrl)
	c.RaiseVIRQ(33)
	c.RaiseSoftwareIntr(0x80)
	c.RaiseException(intr.Exception{Vector: 14, HasErrCode: true, ErrCode: 0x4})

	inj := c.NextInjection()
	if inj.Kind != intr.InjectException || inj.Vector != 14 || !inj.HasErrCode || inj.ErrCode != 0x4 {
		t.Fatalf("NextInjection = %+v, want exception 14 with error code", inj)
	}
}

func TestNextInjectionPriorityOrder(t *testing.T) {
	c := intr.NewCore()
	ctrl := &fakeController{pending: true, vector: 0x40}
	c.RegisterController(ctrl)
	c.RaiseVIRQ(33)
	c.RaiseSoftwareIntr(0x80)

	inj := c.NextInjection()
	if inj.Kind != intr.InjectSoftwareIntr || inj.Vector != 0x80 {
		t.Fatalf("NextInjection = %+v, want software intr 0x80 first", inj)
	}

	inj = c.NextInjection()
	if inj.Kind != intr.InjectVirtualIRQ || inj.Vector != 33 {
		t.Fatalf("NextInjection = %+v, want virtual IRQ 33 next", inj)
	}

	// The virtual IRQ stays pending until it is lowered.
	c.LowerVIRQ(33)
	inj = c.NextInjection()
	if inj.Kind != intr.InjectExternalIRQ || inj.Vector != 0x40 {
		t.Fatalf("NextInjection = %+v, want external IRQ 0x40 last", inj)
	}
	if len(ctrl.beginCalled) != 1 || ctrl.beginCalled[0] != 0x40 {
		t.Fatalf("BeginIRQ not called with the chosen vector: %v", ctrl.beginCalled)
	}
}

func TestNextInjectionReassertsStartedIRQ(t *testing.T) {
	c := intr.NewCore()
	ctrl := &fakeController{pending: true, vector: 0x50}
	c.RegisterController(ctrl)

	first := c.NextInjection()
	if first.Kind != intr.InjectExternalIRQ {
		t.Fatalf("first injection = %+v, want external IRQ", first)
	}

	ctrl.pending = false // controller itself no longer reports fresh work
	second := c.NextInjection()
	if second.Kind != intr.InjectReassertIRQ || second.Vector != 0x50 {
		t.Fatalf("second injection = %+v, want reassert of 0x50", second)
	}
}

func TestAckInjectionClearsStartedLatchOnlyWhenCompleted(t *testing.T) {
	c := intr.NewCore()
	ctrl := &fakeController{pending: true, vector: 0x50}
	c.RegisterController(ctrl)
	c.NextInjection()

	c.AckInjection(false)
	ctrl.pending = false
	if inj := c.NextInjection(); inj.Kind != intr.InjectReassertIRQ {
		t.Fatalf("NextInjection = %+v, want reassert after incomplete ack", inj)
	}

	c.AckInjection(true)
	if inj := c.NextInjection(); inj.Kind != intr.InjectNone {
		t.Fatalf("NextInjection = %+v, want none after completed ack and no fresh work", inj)
	}
}

func TestHasPendingReflectsAllSources(t *testing.T) {
	c := intr.NewCore()
	if c.HasPending() {
		t.Fatalf("HasPending should be false on an empty core")
	}
	c.RaiseVIRQ(33)
	if !c.HasPending() {
		t.Fatalf("HasPending should be true once a virtual IRQ is raised")
	}
	c.LowerVIRQ(33)
	if c.HasPending() {
		t.Fatalf("HasPending should be false once the virtual IRQ is lowered")
	}
}
