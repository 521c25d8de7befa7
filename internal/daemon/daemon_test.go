package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/judwhite/go-svc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcondev/printomat/internal/api"
	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/config"
	"github.com/adcondev/printomat/internal/printer"
	"github.com/adcondev/printomat/internal/queue"
	"github.com/adcondev/printomat/internal/tokens"
)

const printerToken = "printer-secret"

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "printomat.yaml")
	content := fmt.Sprintf(`
listen_addr: "127.0.0.1:0"
verbose: false
tokens_file: %q
printer:
  auth_token: %q
delivery:
  ack_timeout: 5s
audit:
  db_path: %q
`, filepath.Join(dir, "tokens.yaml"), printerToken, filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func startProgram(t *testing.T, configPath string) *Program {
	t.Helper()
	p := &Program{ConfigPath: configPath}
	require.NoError(t, p.Init(nil))
	require.NoError(t, p.Start())
	return p
}

func submit(t *testing.T, addr, body string) api.SubmitResponse {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/submit", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProgramEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	friend, err := tokens.Add(filepath.Join(dir, "tokens.yaml"), "Alice", "Thanks Alice!")
	require.NoError(t, err)

	p := startProgram(t, cfgPath)
	addr := p.Addr()

	first := submit(t, addr, `{"message":"hello printer"}`)
	assert.Equal(t, int64(1), first.JobID)
	assert.Equal(t, api.StatusQueued, first.Status)

	second := submit(t, addr, `{"message":"from a friend","token":"`+friend.Token+`"}`)
	assert.Equal(t, api.StatusPrintingImmediately, second.Status)
	assert.Equal(t, "Thanks Alice!", second.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+printerToken, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	var job printer.JobMessage
	require.NoError(t, wsjson.Read(ctx, conn, &job))
	assert.Equal(t, printer.JobMessage{ID: 1, Content: "hello printer", Type: "text"}, job)
	require.NoError(t, wsjson.Write(ctx, conn, printer.Succeeded()))

	// Job 2 is delivered but never acknowledged before shutdown.
	require.NoError(t, wsjson.Read(ctx, conn, &job))
	assert.Equal(t, int64(2), job.ID)

	// Answer the server's close handshake during shutdown.
	go func() { _, _, _ = conn.Read(context.Background()) }()
	require.NoError(t, p.Stop())

	store, err := audit.OpenSQLite(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	done, err := store.History(context.Background(), queue.StatusDone, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, int64(1), done[0].ID)
	require.NoError(t, store.Close())

	// A restart restores job 2 and continues numbering after it.
	p = startProgram(t, cfgPath)
	defer func() { _ = p.Stop() }()

	resp2, err := http.Get("http://" + p.Addr() + "/queue")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var listing api.QueueResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&listing))
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, int64(2), listing.Pending[0].ID)

	third := submit(t, p.Addr(), `{"message":"after restart"}`)
	assert.Equal(t, int64(3), third.JobID)

	resp3, err := http.Get("http://" + p.Addr() + "/health")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&health))
	require.NotNil(t, health.Log)
	assert.Equal(t, "info", health.Log.Level)
}

type serviceEnv bool

func (e serviceEnv) IsWindowsService() bool { return bool(e) }

func TestLogFile(t *testing.T) {
	t.Setenv("PROGRAMDATA", filepath.Join("C:", "ProgramData"))
	svcLog := filepath.Join("C:", "ProgramData", "Printomat", "Printomat.log")

	tests := []struct {
		name    string
		logFile string
		env     svc.Environment
		want    string
	}{
		{"console without file", "", serviceEnv(false), ""},
		{"no environment", "", nil, ""},
		{"service defaults under programdata", "", serviceEnv(true), svcLog},
		{"configured file wins", "/var/log/printomat.log", serviceEnv(true), "/var/log/printomat.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{ServiceName: "Printomat", LogFile: tt.logFile}
			assert.Equal(t, tt.want, logFile(cfg, tt.env))
		})
	}
}

func TestProgramStartFailsOnBusyAddress(t *testing.T) {
	dir := t.TempDir()
	first := startProgram(t, writeConfig(t, dir))
	defer func() { _ = first.Stop() }()

	other := t.TempDir()
	cfgPath := filepath.Join(other, "printomat.yaml")
	content := fmt.Sprintf("listen_addr: %q\nprinter:\n  auth_token: x\ntokens_file: %q\naudit:\n  db_path: \"\"\n",
		first.Addr(), filepath.Join(other, "tokens.yaml"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	p := &Program{ConfigPath: cfgPath}
	require.NoError(t, p.Init(nil))
	assert.Error(t, p.Start())
}

func TestOriginPatterns(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, nil},
		{"schemes stripped", []string{"https://print.example.com", "http://localhost:*"}, []string{"print.example.com", "localhost:*"}},
		{"wildcard kept", []string{"*"}, []string{"*"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originPatterns(tt.in))
		})
	}
}
