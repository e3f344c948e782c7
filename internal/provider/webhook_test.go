package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/corepay/ledger-service/internal/domain"
)

const testSecret = "whsec_test"

func signBank(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signCard(payload []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestBankParseWebhook_ValidSignature(t *testing.T) {
	driver := NewBankDriver("bank", "https://api.example.test", "key", testSecret)
	payload := []byte(`{"event":"transfer.successful","data":{"id":"trf_123","attributes":{"reference":"TXN-1","status":"successful","amount":10000}}}`)

	event, err := driver.ParseWebhook(payload, signBank(payload))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Reference != "TXN-1" {
		t.Errorf("expected reference TXN-1, got %s", event.Reference)
	}
	if event.Status != domain.StatusSuccessful {
		t.Errorf("expected successful, got %s", event.Status)
	}
	if event.ProviderRef != "trf_123" {
		t.Errorf("expected provider ref trf_123, got %s", event.ProviderRef)
	}
	if event.Amount != 10000 {
		t.Errorf("expected amount 10000, got %d", event.Amount)
	}
}

func TestBankParseWebhook_FailsClosedOnBadSignature(t *testing.T) {
	driver := NewBankDriver("bank", "https://api.example.test", "key", testSecret)
	payload := []byte(`{"event":"transfer.successful","data":{"id":"trf_123","attributes":{"reference":"TXN-1","status":"successful","amount":10000}}}`)

	for _, sig := range []string{"", "garbage", signBank([]byte(`{"tampered":true}`))} {
		if _, err := driver.ParseWebhook(payload, sig); !errors.Is(err, ErrSignature) {
			t.Errorf("signature %q: expected ErrSignature, got %v", sig, err)
		}
	}
}

func TestCardParseWebhook_ValidSignature(t *testing.T) {
	driver := NewCardDriver("card", "https://api.example.test", "sk_test", testSecret)
	payload := []byte(`{"event":"charge.success","data":{"id":4099260516,"reference":"TXN-2","status":"success","amount":5000}}`)

	event, err := driver.ParseWebhook(payload, signCard(payload))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Reference != "TXN-2" {
		t.Errorf("expected reference TXN-2, got %s", event.Reference)
	}
	if event.Status != domain.StatusSuccessful {
		t.Errorf("expected successful, got %s", event.Status)
	}
	if event.ProviderRef != "4099260516" {
		t.Errorf("expected provider ref 4099260516, got %s", event.ProviderRef)
	}
}

func TestCardParseWebhook_FailsClosedOnBadSignature(t *testing.T) {
	driver := NewCardDriver("card", "https://api.example.test", "sk_test", testSecret)
	payload := []byte(`{"event":"charge.success","data":{"id":1,"reference":"TXN-2","status":"success","amount":5000}}`)

	if _, err := driver.ParseWebhook(payload, signBank(payload)); !errors.Is(err, ErrSignature) {
		t.Errorf("expected ErrSignature for wrong algorithm, got %v", err)
	}
}

func TestNormalizeStatus_UnknownVocabularyStaysNonTerminal(t *testing.T) {
	cases := map[string]string{
		"successful": domain.StatusSuccessful,
		"SUCCESS":    domain.StatusSuccessful,
		"paid":       domain.StatusSuccessful,
		"failed":     domain.StatusFailed,
		"reversed":   domain.StatusFailed,
		"abandoned":  domain.StatusCancelled,
		"queued":     domain.StatusProcessing,
		"weird":      domain.StatusProcessing,
		"":           domain.StatusProcessing,
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegistry_ResolveIsCaseInsensitive(t *testing.T) {
	driver := NewBankDriver("Bank", "https://api.example.test", "key", testSecret)
	reg := NewRegistry(driver)

	if _, err := reg.Resolve("bank"); err != nil {
		t.Errorf("expected lowercase lookup to succeed, got %v", err)
	}
	if _, err := reg.Resolve(" BANK "); err != nil {
		t.Errorf("expected trimmed uppercase lookup to succeed, got %v", err)
	}
	if _, err := reg.Resolve("wallet"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
