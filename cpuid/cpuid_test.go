package cpuid_test

import (
	"testing"

	"vmmcore/cpuid"
)

func TestRegisterAndLookup(t *testing.T) {
	h := cpuid.NewHooks()
	if _, ok := h.Lookup(1, 0); ok {
		t.Fatalf("Lookup on empty table should miss")
	}
	h.Register(1, 0, func(r cpuid.Result) cpuid.Result {
		r.ECX |= 1 << 31
		return r
	})
	handler, ok := h.Lookup(1, 0)
	if !ok {
		t.Fatalf("Lookup after Register should hit")
	}
	got := handler(cpuid.Result{ECX: 0})
	if got.ECX&(1<<31) == 0 {
		t.Fatalf("handler did not set hypervisor-present bit: %+v", got)
	}
}

func TestDefaultHooksSetsHypervisorPresentBit(t *testing.T) {
	h := cpuid.DefaultHooks()
	handler, ok := h.Lookup(1, 0)
	if !ok {
		t.Fatalf("DefaultHooks should register leaf 1")
	}
	got := handler(cpuid.Result{ECX: 0x12345678})
	if got.ECX&(1<<31) == 0 {
		t.Fatalf("ECX = 0x%x, want bit 31 set", got.ECX)
	}
	if got.ECX&0x7fffffff != 0x12345678&0x7fffffff {
		t.Fatalf("handler clobbered unrelated ECX bits: 0x%x", got.ECX)
	}
}

func TestDefaultHooksSignatureLeaves(t *testing.T) {
	h := cpuid.DefaultHooks()
	sig, ok := h.Lookup(cpuid.HypervisorSignatureLeaf, 0)
	if !ok {
		t.Fatalf("DefaultHooks should register the signature leaf")
	}
	got := sig(cpuid.Result{})
	if got.EAX != cpuid.HypervisorInterfaceLeaf {
		t.Fatalf("signature leaf EAX = 0x%x, want max leaf 0x%x", got.EAX, cpuid.HypervisorInterfaceLeaf)
	}

	iface, ok := h.Lookup(cpuid.HypervisorInterfaceLeaf, 0)
	if !ok {
		t.Fatalf("DefaultHooks should register the interface leaf")
	}
	if out := iface(cpuid.Result{}); out.EAX == 0 {
		t.Fatalf("interface leaf returned a zero signature")
	}
}

func TestApplyOverridesOnlyMatchingLeaves(t *testing.T) {
	h := cpuid.NewHooks()
	h.Register(1, 0, func(r cpuid.Result) cpuid.Result {
		r.ECX |= 1 << 31
		return r
	})
	leaves := []cpuid.Leaf{{Function: 0, Index: 0}, {Function: 1, Index: 0}}
	entries := []cpuid.Result{{EAX: 0xaaaa}, {ECX: 0}}

	h.Apply(entries, leaves)

	if entries[0].EAX != 0xaaaa {
		t.Fatalf("leaf 0 should be untouched: %+v", entries[0])
	}
	if entries[1].ECX&(1<<31) == 0 {
		t.Fatalf("leaf 1 should have been overridden: %+v", entries[1])
	}
}
