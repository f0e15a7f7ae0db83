package protocol

import (
	"testing"
)

func TestParseDeviceInfo(t *testing.T) {
	body := "mcu\x00ESP32\x00fw-type\x00prod\x00build\x002.1.0\x00" +
		"iotdatahub\x001.0\x00h-beat\x0045\x00buff-in\x001024\x00" +
		"dev\x00ESP32-DevKit\x00tmpl\x00TMPL001\x00custom\x00extra-value"

	info := ParseDeviceInfo([]byte(body))

	if info.MCU != "ESP32" {
		t.Errorf("MCU = %q, want ESP32", info.MCU)
	}
	if info.FirmwareType != "prod" {
		t.Errorf("FirmwareType = %q, want prod", info.FirmwareType)
	}
	if info.Build != "2.1.0" {
		t.Errorf("Build = %q, want 2.1.0", info.Build)
	}
	if info.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", info.Version)
	}
	if info.HeartbeatInterval != 45 {
		t.Errorf("HeartbeatInterval = %d, want 45", info.HeartbeatInterval)
	}
	if info.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want 1024", info.BufferSize)
	}
	if info.DeviceModel != "ESP32-DevKit" {
		t.Errorf("DeviceModel = %q, want ESP32-DevKit", info.DeviceModel)
	}
	if info.TemplateID != "TMPL001" {
		t.Errorf("TemplateID = %q, want TMPL001", info.TemplateID)
	}
	if got := info.Extra["custom"]; got != "extra-value" {
		t.Errorf("Extra[custom] = %q, want extra-value", got)
	}
}

func TestParseDeviceInfoEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "only NULs", body: "\x00\x00\x00"},
		{name: "trailing key without value ignored", body: "mcu\x00ESP8266\x00orphan"},
		{name: "non-numeric heartbeat left at zero", body: "h-beat\x00soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseDeviceInfo([]byte(tt.body))

			if _, ok := info.Extra["orphan"]; ok {
				t.Error("trailing key without value should be dropped")
			}
			if info.HeartbeatInterval != 0 && tt.name == "non-numeric heartbeat left at zero" {
				t.Errorf("HeartbeatInterval = %d, want 0", info.HeartbeatInterval)
			}
		})
	}
}

func TestDeviceInfoMetadata(t *testing.T) {
	info := ParseDeviceInfo([]byte("mcu\x00ESP32\x00h-beat\x0030\x00vendor\x00acme"))

	m := info.Metadata()
	if m["mcu"] != "ESP32" {
		t.Errorf("metadata mcu = %v, want ESP32", m["mcu"])
	}
	if m["heartbeat_interval"] != 30 {
		t.Errorf("metadata heartbeat_interval = %v, want 30", m["heartbeat_interval"])
	}
	if m["vendor"] != "acme" {
		t.Errorf("metadata vendor = %v, want acme", m["vendor"])
	}
	if _, ok := m["build"]; ok {
		t.Error("unreported fields must not appear in metadata")
	}
}
