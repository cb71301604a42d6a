package sessionrunner

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
	"os"
	"path/filepath"
	"testing"
	"time"

	"sovi/internal/servicetoken"
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

// fakeAgent serves a minimal stand-in for the per-device automation agent,
// enough for the session runner's pipeline to complete one full pass.
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

func testRegistry() warming.Registry {
	return warming.Registry{
		domain.PlatformTikTok: func(c *automation.Client, sessionID string, rng *mathrand.Rand) warming.Warmer {
			return tiktok.New(c, sessionID, rng)
		},
	}
}

func TestRunCompletesSuccessfullyAndAdvancesAccount(t *testing.T) {
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

	client, err := automation.New(agent.URL, signer)
	if err != nil {
		t.Fatalf("new automation client: %v", err)
	}

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

	runner := New(mem, events, codec, testRegistry(), Budgets{
		Setup:   time.Second,
		Warming: 50 * time.Millisecond,
		Cleanup: time.Second,
	})

	device := domain.Device{ID: "dev-1", Status: domain.DeviceActive}
	account := domain.Account{
		ID:              "acct-1",
		Platform:        domain.PlatformTikTok,
		CurrentState:    domain.StateCreated,
		WarmingDayCount: 0,
		EmailEnc:        emailEnc,
		PasswordEnc:     passwordEnc,
	}
	mem.SeedAccount(account)

	outcome, err := runner.Run(context.Background(), device, client, account)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Completed {
		t.Fatalf("expected Completed, got %s", outcome)
	}

	stored, err := mem.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.WarmingDayCount != 1 {
		t.Fatalf("expected warming day count 1, got %d", stored.WarmingDayCount)
	}
	if stored.CurrentState != domain.StateWarmingP1 {
		t.Fatalf("expected warming_p1, got %s", stored.CurrentState)
	}
	if len(mem.Sessions()) != 1 {
		t.Fatalf("expected 1 warming session recorded, got %d", len(mem.Sessions()))
	}
}

func TestRunFailsClosedOnInstallError(t *testing.T) {
	keyPath := writeTestKeyPair(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         "sovi-orchestrator",
		PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-1"})
	})
	mux.HandleFunc("/session/sess-1/appium/device/remove_app", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := automation.New(server.URL, signer)
	if err != nil {
		t.Fatalf("new automation client: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	runner := New(mem, events, codec, testRegistry(), Budgets{})

	account := domain.Account{ID: "acct-2", Platform: domain.PlatformTikTok, CurrentState: domain.StateCreated}
	mem.SeedAccount(account)
	device := domain.Device{ID: "dev-2", Status: domain.DeviceActive}

	outcome, err := runner.Run(context.Background(), device, client, account)
	if err == nil {
		t.Fatalf("expected error on install failure")
	}
	if outcome != Aborted {
		t.Fatalf("expected Aborted, got %s", outcome)
	}
	stored, getErr := mem.GetAccount(context.Background(), "acct-2")
	if getErr != nil {
		t.Fatalf("get account: %v", getErr)
	}
	if stored.WarmingDayCount != 0 || stored.CurrentState != domain.StateCreated {
		t.Fatalf("expected account untouched on install failure, got %+v", stored)
	}
}
