// Package config loads benchd's environment-variable configuration surface
// (spec §6.1) into typed structs, applying the documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// DeviceSpec is one entry of SERIAL_REQUIRED_DEVICES_JSON: an immutable
// device declaration loaded at startup.
type DeviceSpec struct {
	IDToken          string `json:"id_token,omitempty"`
	Kind             string `json:"kind"`
	VendorID         string `json:"vendor_id,omitempty"`
	ProductID        string `json:"product_id,omitempty"`
	Serial           string `json:"serial,omitempty"`
	PathRegex        string `json:"path_regex,omitempty"`
	Baud             int    `json:"baud,omitempty"`
	IdentifyRequired bool   `json:"identify_required"`
	StartupRequired  bool   `json:"startup_required"`
}

// Static reports whether this is a static device (no identify handshake).
func (d DeviceSpec) Static() bool { return d.IDToken == "" }

// Discovery holds discovery poller + serial supervisor configuration.
type Discovery struct {
	RequiredDevices      []DeviceSpec
	RescanMS             int
	DefaultBaud          int
	IdentifyRequest      string
	IdentifyCompletion   string
	ParserDelim          string
	WriteEOL             string
	TimeoutMS            int
	Retries              int
	FailOnMissing        bool
	StartupTimeoutMS     int
}

// Keyboard holds keyboard-service configuration.
type Keyboard struct {
	IDToken             string
	Baud                int
	ReconnectBaseMS     int
	ReconnectMaxMS      int
	ReconnectMaxAttempt int
	InterCommandDelayMS int
	QueueMaxDepth       int
}

// Imager holds CF-imager-service configuration.
type Imager struct {
	Root               string
	ReadScript         string
	WriteScript        string
	MaxEntries         int
	FSPollMS           int
	VisibleExtensions  []string
}

// Tracing holds OpenTelemetry exporter configuration.
type Tracing struct {
	OTLPEndpoint string
	Insecure     bool
	SampleRate   float64
}

// Config is the full process configuration assembled from the environment.
type Config struct {
	Discovery Discovery
	Keyboard  Keyboard
	Imager    Imager
	Tracing   Tracing
}

// Load reads every documented environment variable and applies defaults.
// It returns an error only for malformed SERIAL_REQUIRED_DEVICES_JSON or a
// missing CF_IMAGER_ROOT; other missing or unparseable variables silently
// take their default.
func Load() (Config, error) {
	var cfg Config
	var err error

	cfg.Discovery, err = loadDiscovery()
	if err != nil {
		return Config{}, err
	}
	cfg.Keyboard, err = loadKeyboard()
	if err != nil {
		return Config{}, err
	}
	cfg.Imager, err = loadImager()
	if err != nil {
		return Config{}, err
	}
	if cfg.Imager.Root == "" {
		return Config{}, fmt.Errorf("config: CF_IMAGER_ROOT is required")
	}
	cfg.Tracing, err = loadTracing()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDiscovery() (Discovery, error) {
	d := Discovery{
		RescanMS:           envInt("SERIAL_RESCAN_MS", 3000),
		DefaultBaud:        envInt("SERIAL_DEFAULT_BAUD", 9600),
		IdentifyRequest:    envString("SERIAL_IDENTIFY_REQUEST", "identify"),
		IdentifyCompletion: envString("SERIAL_IDENTIFY_COMPLETION", "identify_complete"),
		ParserDelim:        envString("SERIAL_PARSER_DELIM", "\n"),
		WriteEOL:           envString("SERIAL_WRITE_EOL", "\n"),
		TimeoutMS:          envInt("SERIAL_TIMEOUT_MS", 3000),
		Retries:            envInt("SERIAL_RETRIES", 3),
		FailOnMissing:      envBool("SERIAL_FAIL_ON_MISSING", false),
		StartupTimeoutMS:   envInt("SERIAL_STARTUP_TIMEOUT_MS", 30000),
	}
	if d.RescanMS < 1000 {
		d.RescanMS = 1000
	}
	raw := os.Getenv("SERIAL_REQUIRED_DEVICES_JSON")
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.RequiredDevices); err != nil {
			return Discovery{}, fmt.Errorf("config: SERIAL_REQUIRED_DEVICES_JSON: %w", err)
		}
	}
	return d, nil
}

func loadKeyboard() (Keyboard, error) {
	return Keyboard{
		IDToken:             envString("PS2_KB_ID_TOKEN", "KB"),
		Baud:                envInt("PS2_KB_BAUD", 9600),
		ReconnectBaseMS:     envInt("PS2_KB_RECONNECT_BASE_MS", 500),
		ReconnectMaxMS:      envInt("PS2_KB_RECONNECT_MAX_MS", 30000),
		ReconnectMaxAttempt: envInt("PS2_KB_RECONNECT_MAX_ATTEMPTS", 0),
		InterCommandDelayMS: envInt("PS2_KB_INTER_COMMAND_DELAY_MS", 25),
		QueueMaxDepth:       envInt("PS2_KB_QUEUE_MAX_DEPTH", 500),
	}, nil
}

func loadImager() (Imager, error) {
	im := Imager{
		Root:        envString("CF_IMAGER_ROOT", ""),
		ReadScript:  envString("CF_IMAGER_READ_SCRIPT", ""),
		WriteScript: envString("CF_IMAGER_WRITE_SCRIPT", ""),
		MaxEntries:  envInt("CF_IMAGER_MAX_ENTRIES", 500),
		FSPollMS:    envInt("CF_IMAGER_FS_POLL_MS", 3000),
	}
	raw := os.Getenv("CF_IMAGER_VISIBLE_EXTENSIONS")
	if raw != "" {
		im.VisibleExtensions = splitCSV(raw)
	}
	return im, nil
}

func loadTracing() (Tracing, error) {
	return Tracing{
		OTLPEndpoint: envString("BENCHD_OTLP_ENDPOINT", ""),
		Insecure:     envBool("BENCHD_OTLP_INSECURE", true),
		SampleRate:   envFloat("BENCHD_OTEL_SAMPLE_RATE", 1.0),
	}, nil
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
