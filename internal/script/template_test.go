package script

import (
	"encoding/base64"
	"testing"
)

func TestSubstituterRejectsShellMeta(t *testing.T) {
	s := NewSubstituter()
	_, err := s.Render(StartVM, map[string]string{"vm_name": "a;rm -rf /"})
	if err == nil {
		t.Fatalf("expected UnsafeSubstitution")
	}
	if _, ok := err.(*UnsafeSubstitution); !ok {
		t.Fatalf("expected *UnsafeSubstitution, got %T: %v", err, err)
	}
}

func TestSubstituterRendersValidValues(t *testing.T) {
	s := NewSubstituter()
	out, err := s.Render(StopVM, map[string]string{"vm_name": "a1", "force_flag": "-9"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !contains(out, `VM_NAME="a1"`) {
		t.Fatalf("rendered script missing substituted vm_name: %s", out)
	}
	if !contains(out, `FORCE_FLAG="-9"`) {
		t.Fatalf("rendered script missing substituted force_flag: %s", out)
	}
}

func TestSubstituterRejectsMissingKey(t *testing.T) {
	s := NewSubstituter()
	_, err := s.Render(StopVM, map[string]string{"vm_name": "a1"})
	if err == nil {
		t.Fatalf("expected MissingKey error")
	}
	if _, ok := err.(*MissingKey); !ok {
		t.Fatalf("expected *MissingKey, got %T", err)
	}
}

func TestSubstituterRejectsUnknownKey(t *testing.T) {
	s := NewSubstituter()
	_, err := s.Render(DeleteVM, map[string]string{"vm_name": "a1", "bogus": "x"})
	if err == nil {
		t.Fatalf("expected UnknownKey error")
	}
	if _, ok := err.(*UnknownKey); !ok {
		t.Fatalf("expected *UnknownKey, got %T", err)
	}
}

func TestSubstituterAllowsBase64ConfigSlot(t *testing.T) {
	s := NewSubstituter()
	_, err := s.Render(CreateVM, map[string]string{
		"vm_name":     "a1",
		"disk_gb":     "50",
		"config_json": base64.StdEncoding.EncodeToString([]byte(`{"vcpus": 4, "memory_mb": 8192}`)),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
}

func TestSubstituterAllowsBootArgsWithEqualsSignsViaBase64(t *testing.T) {
	// A realistic VMConfig's kernel command line contains '=' (e.g.
	// "console=ttyS0 reboot=k panic=1 pci=off"); base64-encoding the
	// marshaled config before substitution keeps this out of the whitelist
	// entirely rather than requiring the whitelist to admit it as raw text.
	cfgJSON := `{"boot_args":"console=ttyS0 reboot=k panic=1 pci=off"}`
	s := NewSubstituter()
	_, err := s.Render(CreateVM, map[string]string{
		"vm_name":     "a1",
		"disk_gb":     "50",
		"config_json": base64.StdEncoding.EncodeToString([]byte(cfgJSON)),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
}

func TestSubstituterRejectsRawJSONConfigSlot(t *testing.T) {
	// Raw, un-encoded JSON (as opposed to its base64 encoding) must still be
	// rejected: the config_json slot admits only the base64 alphabet, never
	// quotes, braces, colons or whitespace.
	s := NewSubstituter()
	_, err := s.Render(CreateVM, map[string]string{
		"vm_name":     "a1",
		"disk_gb":     "50",
		"config_json": `{"boot_args":"console=ttyS0 reboot=k"}`,
	})
	if _, ok := err.(*UnsafeSubstitution); !ok {
		t.Fatalf("expected *UnsafeSubstitution for raw JSON, got %T: %v", err, err)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
