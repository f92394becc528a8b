package devices_test

import (
	"errors"
	"testing"

	"vmmcore/core_engine/devices"
)

func TestManagerCreateAndGet(t *testing.T) {
	m := devices.NewManager()
	m.Register("fwcfg", func(cfg any) (devices.PioDevice, error) {
		return devices.NewFWCfgDevice(), nil
	})

	dev, err := m.Create("fwcfg", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dev == nil {
		t.Fatalf("Create returned a nil device")
	}

	got, ok := m.Get("fwcfg")
	if !ok || got != dev {
		t.Fatalf("Get after Create = %v, %v, want the created instance", got, ok)
	}
}

func TestManagerCreateUnknownFactory(t *testing.T) {
	m := devices.NewManager()
	if _, err := m.Create("nope", nil); err == nil {
		t.Fatalf("expected an error for an unregistered factory name")
	}
}

func TestManagerGetMissingInstance(t *testing.T) {
	m := devices.NewManager()
	if _, ok := m.Get("nope"); ok {
		t.Fatalf("Get should report false for an instance never Created")
	}
}

func TestManagerRegisterDuplicatePanics(t *testing.T) {
	m := devices.NewManager()
	m.Register("fwcfg", func(cfg any) (devices.PioDevice, error) { return devices.NewFWCfgDevice(), nil })

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Register to panic on a duplicate name")
		}
	}()
	m.Register("fwcfg", func(cfg any) (devices.PioDevice, error) { return devices.NewFWCfgDevice(), nil })
}

func TestManagerCreatePropagatesFactoryError(t *testing.T) {
	m := devices.NewManager()
	wantErr := errors.New("boom")
	m.Register("broken", func(cfg any) (devices.PioDevice, error) { return nil, wantErr })

	if _, err := m.Create("broken", nil); !errors.Is(err, wantErr) {
		t.Fatalf("Create error = %v, want wrapping %v", err, wantErr)
	}
}
