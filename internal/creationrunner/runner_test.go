package creationrunner

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"sovi/internal/servicetoken"
	"sovi/pkg/automation"
	"sovi/pkg/captcha"
	"sovi/pkg/credcodec"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/mailpoll"
	"sovi/pkg/smsverify"
	"sovi/pkg/store"
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

func testAutomationClient(t *testing.T, server *httptest.Server) *automation.Client {
	t.Helper()
	keyPath := writeTestKeyPair(t)
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Issuer:         "sovi-orchestrator",
		PrivateKeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	client, err := automation.New(server.URL, signer)
	if err != nil {
		t.Fatalf("new automation client: %v", err)
	}
	return client
}

// fullCollaborators builds real collaborator clients against placeholder
// endpoints and credentials, valid enough to pass allPresent() without ever
// issuing a network call in tests that fail before reaching the signup flow.
func fullCollaborators(t *testing.T) Collaborators {
	t.Helper()
	captchaClient, err := captcha.New("http://captcha.invalid", "test-key")
	if err != nil {
		t.Fatalf("new captcha client: %v", err)
	}
	smsClient, err := smsverify.New(smsverify.Config{
		AccessKeyID:     "test-access-key",
		AccessKeySecret: "test-access-secret",
	})
	if err != nil {
		t.Fatalf("new sms client: %v", err)
	}
	return Collaborators{
		Captcha: captchaClient,
		Mail:    mailpoll.New("mail.invalid:993", "user", "pass", ""),
		SMS:     smsClient,
	}
}

func TestRunSkipsWhenCollaboratorsAbsent(t *testing.T) {
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	runner := New(mem, events, codec, Collaborators{})

	device := domain.Device{ID: "dev-1", Status: domain.DeviceActive}
	task := store.CreationTask{
		Platform: domain.PlatformTikTok,
		Niche:    domain.Niche{ID: "niche-1", Slug: "personal_finance"},
	}

	outcome, err := runner.Run(context.Background(), device, nil, task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Skipped {
		t.Fatalf("expected Skipped, got %s", outcome)
	}

	events2 := mem.Events()
	if len(events2) != 1 || events2[0].EventType != "scheduler/warning/creation_skipped" {
		t.Fatalf("expected a single creation_skipped event, got %+v", events2)
	}
	accounts, err := mem.ListAccounts(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no account rows written on skip")
	}
}

func TestRunFailsClosedOnInstallErrorAndWritesNoAccount(t *testing.T) {
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

	client := testAutomationClient(t, server)

	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	runner := New(mem, events, codec, fullCollaborators(t))

	device := domain.Device{ID: "dev-1", Status: domain.DeviceActive}
	task := store.CreationTask{
		Platform: domain.PlatformTikTok,
		Niche:    domain.Niche{ID: "niche-1", Slug: "personal_finance"},
	}

	outcome, err := runner.Run(context.Background(), device, client, task)
	if err == nil {
		t.Fatalf("expected error on install failure")
	}
	if outcome != Failed {
		t.Fatalf("expected Failed, got %s", outcome)
	}
	accounts, err := mem.ListAccounts(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no partial account row on failure")
	}

	var sawStarted, sawInstallFailed bool
	for _, e := range mem.Events() {
		switch e.EventType {
		case "account/info/account_creation_started":
			sawStarted = true
			if e.Category != domain.CategoryAccount {
				t.Fatalf("account_creation_started category = %s, want account", e.Category)
			}
		case "device/error/install_failed":
			sawInstallFailed = true
			if e.Category != domain.CategoryDevice {
				t.Fatalf("install_failed category = %s, want device", e.Category)
			}
		}
	}
	if !sawStarted {
		t.Fatalf("expected an account/info/account_creation_started event")
	}
	if !sawInstallFailed {
		t.Fatalf("expected a device/error/install_failed event")
	}
}

func TestSynthesizeUsernameReRollsOnCollision(t *testing.T) {
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	runner := New(mem, events, codec, Collaborators{})

	niche := domain.Niche{ID: "niche-1", Slug: "personal_finance"}

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		username, err := runner.synthesizeUsername(context.Background(), domain.PlatformTikTok, niche)
		if err != nil {
			t.Fatalf("synthesize username: %v", err)
		}
		if seen[username] {
			t.Fatalf("synthesizeUsername returned a duplicate: %s", username)
		}
		seen[username] = true
		mem.SeedAccount(domain.Account{
			ID:       username,
			Platform: domain.PlatformTikTok,
			Username: username,
		})
	}
}

func TestSynthesizeUsernameFallsBackToGenericPrefixesForUnknownNiche(t *testing.T) {
	mem := storetest.NewMemStore()
	events, err := eventlog.New(mem, nil)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	codec, err := credcodec.New([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	runner := New(mem, events, codec, Collaborators{})

	niche := domain.Niche{ID: "niche-2", Slug: "some_unrecognized_niche"}
	username, err := runner.synthesizeUsername(context.Background(), domain.PlatformInstagram, niche)
	if err != nil {
		t.Fatalf("synthesize username: %v", err)
	}
	if username == "" {
		t.Fatalf("expected a non-empty username")
	}
}
