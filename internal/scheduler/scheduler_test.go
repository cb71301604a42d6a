package scheduler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	mathrand "math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"sovi/internal/creationrunner"
	"sovi/internal/servicetoken"
	"sovi/internal/sessionrunner"
	"sovi/internal/warming"
	"sovi/internal/warming/tiktok"
	"sovi/pkg/automation"
	"sovi/pkg/credcodec"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/store/storetest"
)

func writeTestKeyPair(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return keyPath
}

func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-1"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/sess-1/element", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"elementId": "el-1"})
	})
	mux.HandleFunc("/session/sess-1/alert/text", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestSchedulerClaimsAndCompletesOneWarmingSession(t *testing.T) {
	keyPath := writeTestKeyPair(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         "sovi-orchestrator",
		PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	agent := fakeAgent(t)
	defer agent.Close()

	host, port := splitAgentURL(t, agent.URL)

	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	emailEnc, _ := codec.EncryptBytes([]byte("user@example.com"))
	passwordEnc, _ := codec.EncryptBytes([]byte("hunter2"))

	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}

	registry := warming.Registry{
		domain.PlatformTikTok: func(c *automation.Client, sessionID string, rng *mathrand.Rand) warming.Warmer {
			return tiktok.New(c, sessionID, rng)
		},
	}
	sessions := sessionrunner.New(mem, events, codec, registry, sessionrunner.Budgets{
		Setup:   time.Second,
		Warming: 50 * time.Millisecond,
		Cleanup: time.Second,
	})
	creations := creationrunner.New(mem, events, codec, creationrunner.Collaborators{})

	mem.SeedDevice(domain.Device{
		ID:             "dev-1",
		Status:         domain.DeviceActive,
		AutomationHost: host,
		AutomationPort: port,
	})
	mem.SeedAccount(domain.Account{
		ID:           "acct-1",
		Platform:     domain.PlatformTikTok,
		CurrentState: domain.StateCreated,
		EmailEnc:     emailEnc,
		PasswordEnc:  passwordEnc,
	})

	sched := New(mem, events, signer, sessions, creations, nil, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(mem.Sessions()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(mem.Sessions()) != 1 {
		t.Fatalf("expected 1 warming session recorded, got %d", len(mem.Sessions()))
	}
	stored, err := mem.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.WarmingDayCount != 1 {
		t.Fatalf("expected warming day count 1, got %d", stored.WarmingDayCount)
	}

	foundComplete := false
	for _, e := range mem.Events() {
		if e.EventType == "scheduler/info/session_complete" {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Fatalf("expected a scheduler/info/session_complete event")
	}
}

func TestSchedulerStartTwiceFails(t *testing.T) {
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	keyPath := writeTestKeyPair(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         "sovi-orchestrator",
		PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sessions := sessionrunner.New(mem, events, codec, warming.Registry{}, sessionrunner.Budgets{})
	creations := creationrunner.New(mem, events, codec, creationrunner.Collaborators{})
	sched := New(mem, events, signer, sessions, creations, nil, nil)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = sched.Stop(context.Background())
	}()
	if err := sched.Start(context.Background()); err == nil {
		t.Fatalf("expected error starting an already-running scheduler")
	}
}

func TestSchedulerEmitsLifecycleAndNoDevicesEvents(t *testing.T) {
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	keyPath := writeTestKeyPair(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         "sovi-orchestrator",
		PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sessions := sessionrunner.New(mem, events, codec, warming.Registry{}, sessionrunner.Budgets{})
	creations := creationrunner.New(mem, events, codec, creationrunner.Collaborators{})
	sched := New(mem, events, signer, sessions, creations, nil, nil)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := map[string]bool{
		"scheduler/info/scheduler_started":   false,
		"scheduler/warning/no_devices":       false,
		"scheduler/info/scheduler_stopping":  false,
		"scheduler/info/scheduler_stopped":   false,
	}
	for _, e := range mem.Events() {
		if _, ok := want[e.EventType]; ok {
			want[e.EventType] = true
		}
	}
	for eventType, found := range want {
		if !found {
			t.Fatalf("expected event %q to be emitted", eventType)
		}
	}
}

func splitAgentURL(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse agent url %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse agent port %q: %v", parsed.Port(), err)
	}
	return parsed.Hostname(), port
}
