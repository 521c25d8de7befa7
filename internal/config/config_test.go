package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetEnvironment(t *testing.T) {
	tests := []struct {
		name          string
		inputEnv      string
		expectedName  string
		expectedAddr  string
		expectVerbose bool
	}{
		{
			name:          "Get local environment",
			inputEnv:      "local",
			expectedName:  "LOCAL",
			expectedAddr:  "localhost:" + ServerPort,
			expectVerbose: true,
		},
		{
			name:         "Get remote environment",
			inputEnv:     "remote",
			expectedName: "REMOTE",
			expectedAddr: "0.0.0.0:" + ServerPort,
		},
		{
			name:          "Get unknown environment (defaults to local)",
			inputEnv:      "unknown_env",
			expectedName:  "LOCAL",
			expectedAddr:  "localhost:" + ServerPort,
			expectVerbose: true,
		},
		{
			name:          "Get empty environment (defaults to local)",
			inputEnv:      "",
			expectedName:  "LOCAL",
			expectedAddr:  "localhost:" + ServerPort,
			expectVerbose: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetEnvironment(tt.inputEnv, nil)

			if got.Name != tt.expectedName {
				t.Errorf("GetEnvironment(%q).Name = %q; want %q", tt.inputEnv, got.Name, tt.expectedName)
			}
			if got.ListenAddr != tt.expectedAddr {
				t.Errorf("GetEnvironment(%q).ListenAddr = %q; want %q", tt.inputEnv, got.ListenAddr, tt.expectedAddr)
			}
			if got.Verbose != tt.expectVerbose {
				t.Errorf("GetEnvironment(%q).Verbose = %v; want %v", tt.inputEnv, got.Verbose, tt.expectVerbose)
			}
			if got.ReadTimeout == 0 || got.WriteTimeout == 0 {
				t.Errorf("GetEnvironment(%q) has zero HTTP timeouts", tt.inputEnv)
			}
			if got.RateLimit.Cooldown != time.Hour {
				t.Errorf("GetEnvironment(%q).RateLimit.Cooldown = %v; want 1h", tt.inputEnv, got.RateLimit.Cooldown)
			}
			if got.Delivery.MaxAttempts != 3 {
				t.Errorf("GetEnvironment(%q).Delivery.MaxAttempts = %d; want 3", tt.inputEnv, got.Delivery.MaxAttempts)
			}
		})
	}
}

func TestGetEnvironmentOriginsOverride(t *testing.T) {
	old := AllowedOrigins
	AllowedOrigins = "https://print.example.com,http://localhost:*"
	t.Cleanup(func() { AllowedOrigins = old })

	got := GetEnvironment("remote", nil).AllowedOrigins
	if len(got) != 2 || got[0] != "https://print.example.com" {
		t.Errorf("AllowedOrigins = %v; want ldflags override", got)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printomat.yaml")
	content := `
listen_addr: "127.0.0.1:9000"
allowed_origins:
  - "https://print.example.com"
queue:
  capacity: 5
rate_limit:
  cooldown: 30m
printer:
  auth_token: "from-file"
audit:
  kafka_brokers: ["kafka-1:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PRINTOMAT_DELIVERY_MAX_ATTEMPTS", "7")
	t.Setenv("PRINTOMAT_DELIVERY_ACK_TIMEOUT", "90s")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://print.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Queue.Capacity != 5 {
		t.Errorf("Queue.Capacity = %d; want 5", cfg.Queue.Capacity)
	}
	if cfg.Queue.HistoryLimit != 1000 {
		t.Errorf("Queue.HistoryLimit = %d; want default 1000", cfg.Queue.HistoryLimit)
	}
	if cfg.RateLimit.Cooldown != 30*time.Minute {
		t.Errorf("RateLimit.Cooldown = %v; want 30m", cfg.RateLimit.Cooldown)
	}
	if cfg.Delivery.MaxAttempts != 7 {
		t.Errorf("Delivery.MaxAttempts = %d; want env override 7", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.AckTimeout != 90*time.Second {
		t.Errorf("Delivery.AckTimeout = %v; want 90s", cfg.Delivery.AckTimeout)
	}
	if !cfg.Delivery.RetryPrinterFailures {
		t.Errorf("Delivery.RetryPrinterFailures = false; want default true")
	}
	if cfg.Printer.AuthToken != "from-file" {
		t.Errorf("Printer.AuthToken = %q", cfg.Printer.AuthToken)
	}
	if len(cfg.Audit.KafkaBrokers) != 1 || cfg.Audit.KafkaTopic != "printomat.jobs" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if cfg.Name != "LOCAL" {
		t.Errorf("Name = %q; want preset name kept", cfg.Name)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PRINTOMAT_PRINTER_AUTH_TOKEN", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Printer.AuthToken != "from-env" {
		t.Errorf("Printer.AuthToken = %q; want from-env", cfg.Printer.AuthToken)
	}
	if cfg.ListenAddr != "localhost:"+ServerPort {
		t.Errorf("ListenAddr = %q; want local preset", cfg.ListenAddr)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("queue: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Error("Load() of malformed YAML succeeded; want error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := GetEnvironment("local", nil)
		c.Printer.AuthToken = "secret"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"hash only", func(c *Config) { c.Printer.AuthToken = ""; c.Printer.AuthTokenHash = "aGFzaA==" }, ""},
		{"no credential", func(c *Config) { c.Printer.AuthToken = "" }, "printer.auth_token"},
		{"zero cooldown", func(c *Config) { c.RateLimit.Cooldown = 0 }, "rate_limit.cooldown"},
		{"zero attempts", func(c *Config) { c.Delivery.MaxAttempts = 0 }, "delivery.max_attempts"},
		{"negative ack timeout", func(c *Config) { c.Delivery.AckTimeout = -time.Second }, "delivery.ack_timeout"},
		{"negative capacity", func(c *Config) { c.Queue.Capacity = -1 }, "queue.capacity"},
		{"kafka without topic", func(c *Config) {
			c.Audit.KafkaBrokers = []string{"k:9092"}
			c.Audit.KafkaTopic = ""
		}, "audit.kafka_topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Validate() error = %v; want nil", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("Validate() error = %v; want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LogPath(t *testing.T) {
	c := Config{ServiceName: "TestService"}
	dir := "/var/lib"
	expected := filepath.Join(dir, "TestService", "TestService.log")

	if got := c.LogPath(dir); got != expected {
		t.Errorf("LogPath(%q) = %q; want %q", dir, got, expected)
	}
}
