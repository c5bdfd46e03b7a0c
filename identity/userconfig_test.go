package identity

import "testing"

func TestUserConfigSignVerifyRoundTrip(t *testing.T) {
	master, err := GenerateDeviceKeys("master-device")
	if err != nil {
		t.Fatalf("GenerateDeviceKeys: %v", err)
	}
	devices := []DeviceConfig{
		{DeviceID: master.DeviceID, SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: true},
	}
	cfg, err := NewUserConfig("Alice@Example.com", master.Signing.Public, devices, master.Signing)
	if err != nil {
		t.Fatalf("NewUserConfig: %v", err)
	}
	if err := cfg.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestUserConfigRequiresExactlyOneMaster(t *testing.T) {
	master, _ := GenerateDeviceKeys("d1")
	second, _ := GenerateDeviceKeys("d2")

	noMaster := []DeviceConfig{
		{DeviceID: master.DeviceID, SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: false},
	}
	if _, err := NewUserConfig("bob", master.Signing.Public, noMaster, master.Signing); err == nil {
		t.Fatalf("expected error with zero master devices")
	}

	twoMasters := []DeviceConfig{
		{DeviceID: master.DeviceID, SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: true},
		{DeviceID: second.DeviceID, SigningPublic: second.Signing.Public, AgreementPublic: second.Agreement.Public, IsMaster: true},
	}
	if _, err := NewUserConfig("bob", master.Signing.Public, twoMasters, master.Signing); err == nil {
		t.Fatalf("expected error with two master devices")
	}
}

func TestUserConfigRejectsDuplicateDeviceID(t *testing.T) {
	master, _ := GenerateDeviceKeys("dup")
	devices := []DeviceConfig{
		{DeviceID: "dup", SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: true},
		{DeviceID: "dup", SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: false},
	}
	if _, err := NewUserConfig("carol", master.Signing.Public, devices, master.Signing); err == nil {
		t.Fatalf("expected error for duplicate device id")
	}
}

func TestWithAddedDeviceResigns(t *testing.T) {
	master, _ := GenerateDeviceKeys("master")
	devices := []DeviceConfig{
		{DeviceID: master.DeviceID, SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: true},
	}
	cfg, err := NewUserConfig("dave", master.Signing.Public, devices, master.Signing)
	if err != nil {
		t.Fatalf("NewUserConfig: %v", err)
	}

	second, _ := GenerateDeviceKeys("phone")
	updated, err := cfg.WithAddedDevice(DeviceConfig{
		DeviceID: second.DeviceID, SigningPublic: second.Signing.Public, AgreementPublic: second.Agreement.Public,
	}, master.Signing)
	if err != nil {
		t.Fatalf("WithAddedDevice: %v", err)
	}
	if err := updated.Verify(); err != nil {
		t.Fatalf("Verify after add: %v", err)
	}
	if len(updated.Devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(updated.Devices))
	}
	if _, ok := updated.Device("phone"); !ok {
		t.Fatalf("new device not found by id")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	master, _ := GenerateDeviceKeys("m")
	devices := []DeviceConfig{
		{DeviceID: master.DeviceID, SigningPublic: master.Signing.Public, AgreementPublic: master.Agreement.Public, IsMaster: true},
	}
	cfg, err := NewUserConfig("erin", master.Signing.Public, devices, master.Signing)
	if err != nil {
		t.Fatalf("NewUserConfig: %v", err)
	}
	cfg.Signature[0] ^= 0xFF
	if err := cfg.Verify(); err == nil {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestNormalizeUserIdentifier(t *testing.T) {
	if got := NormalizeUserIdentifier("  Alice@Example.COM "); got != "alice@example.com" {
		t.Fatalf("NormalizeUserIdentifier = %q", got)
	}
	if NormalizeUserIdentifier("x") != NormalizeUserIdentifier(NormalizeUserIdentifier("x")) {
		t.Fatalf("normalization is not idempotent")
	}
}
