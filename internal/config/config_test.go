package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CF_IMAGER_ROOT", "/bench/cf")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.RescanMS != 3000 {
		t.Errorf("RescanMS = %d, want 3000", cfg.Discovery.RescanMS)
	}
	if cfg.Keyboard.IDToken != "KB" || cfg.Keyboard.Baud != 9600 {
		t.Errorf("keyboard defaults wrong: %+v", cfg.Keyboard)
	}
	if cfg.Imager.MaxEntries != 500 {
		t.Errorf("MaxEntries = %d, want 500", cfg.Imager.MaxEntries)
	}
}

func TestLoadRescanMSFloorsAt1000(t *testing.T) {
	t.Setenv("CF_IMAGER_ROOT", "/bench/cf")
	t.Setenv("SERIAL_RESCAN_MS", "10")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.RescanMS != 1000 {
		t.Errorf("RescanMS = %d, want floored to 1000", cfg.Discovery.RescanMS)
	}
}

func TestLoadRequiresImagerRoot(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CF_IMAGER_ROOT unset")
	}
}

func TestLoadParsesDeviceSpecs(t *testing.T) {
	t.Setenv("CF_IMAGER_ROOT", "/bench/cf")
	t.Setenv("SERIAL_REQUIRED_DEVICES_JSON", `[{"kind":"keyboard","id_token":"KB","identify_required":true,"startup_required":true}]`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Discovery.RequiredDevices) != 1 {
		t.Fatalf("got %d devices, want 1", len(cfg.Discovery.RequiredDevices))
	}
	d := cfg.Discovery.RequiredDevices[0]
	if d.Static() {
		t.Fatal("device with id_token should not be static")
	}
}

func TestLoadRejectsMalformedDeviceSpecJSON(t *testing.T) {
	t.Setenv("CF_IMAGER_ROOT", "/bench/cf")
	t.Setenv("SERIAL_REQUIRED_DEVICES_JSON", `not json`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed device spec JSON")
	}
}

func TestSplitCSV(t *testing.T) {
	t.Setenv("CF_IMAGER_ROOT", "/bench/cf")
	t.Setenv("CF_IMAGER_VISIBLE_EXTENSIONS", "img,part,iso")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"img", "part", "iso"}
	if len(cfg.Imager.VisibleExtensions) != len(want) {
		t.Fatalf("got %v, want %v", cfg.Imager.VisibleExtensions, want)
	}
	for i := range want {
		if cfg.Imager.VisibleExtensions[i] != want[i] {
			t.Fatalf("got %v, want %v", cfg.Imager.VisibleExtensions, want)
		}
	}
}
