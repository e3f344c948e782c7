/**
 * @description
 * Driver for the card-acquiring rail. The vendor uses flat JSON payloads with
 * a `status`/`message`/`data` envelope and signs webhooks with HMAC-SHA512,
 * hex-encoded in the signature header.
 */
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/corepay/ledger-service/internal/domain"
)

// CardDriver talks to the card acquirer's API.
type CardDriver struct {
	name          string
	baseURL       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
}

// NewCardDriver creates a card-rail driver.
func NewCardDriver(name, baseURL, secretKey, webhookSecret string) *CardDriver {
	return &CardDriver{
		name:          name,
		baseURL:       baseURL,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider name this driver serves.
func (d *CardDriver) Name() string { return d.name }

// cardEnvelope is the vendor's standard response wrapper.
type cardEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type cardTransferData struct {
	ID        int64  `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
}

// InitiatePayout creates a transfer on the card rail.
func (d *CardDriver) InitiatePayout(ctx context.Context, instruction PayoutInstruction) (*PayoutResult, error) {
	payload := map[string]interface{}{
		"reference":      instruction.Reference,
		"amount":         instruction.Amount,
		"bank_code":      instruction.BankCode,
		"account_number": instruction.BankAccount,
		"narration":      instruction.Narration,
	}
	var data cardTransferData
	if err := d.do(ctx, http.MethodPost, "/transfer", payload, &data); err != nil {
		return nil, err
	}
	return &PayoutResult{
		ProviderRef: fmt.Sprintf("%d", data.ID),
		Status:      normalizeStatus(data.Status),
		Fee:         data.Fee,
	}, nil
}

// ResolveBankAccount validates an account number against the rail.
func (d *CardDriver) ResolveBankAccount(ctx context.Context, bankCode, accountNumber string) (*BankAccount, error) {
	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s", accountNumber, bankCode)
	if err := d.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &BankAccount{
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
		BankCode:      bankCode,
	}, nil
}

// VerifyTransaction polls the rail for a transaction's current status.
func (d *CardDriver) VerifyTransaction(ctx context.Context, reference string) (*domain.ProviderEvent, error) {
	var data cardTransferData
	if err := d.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}
	return &domain.ProviderEvent{
		Reference:   data.Reference,
		Status:      normalizeStatus(data.Status),
		ProviderRef: fmt.Sprintf("%d", data.ID),
		Amount:      data.Amount,
	}, nil
}

// RequestRefund asks the acquirer to refund a charge; terminal status arrives
// through a webhook.
func (d *CardDriver) RequestRefund(ctx context.Context, providerRef string, amount int64) (*PayoutResult, error) {
	payload := map[string]interface{}{
		"transaction": providerRef,
		"amount":      amount,
	}
	var data cardTransferData
	if err := d.do(ctx, http.MethodPost, "/refund", payload, &data); err != nil {
		return nil, err
	}
	return &PayoutResult{
		ProviderRef: fmt.Sprintf("%d", data.ID),
		Status:      normalizeStatus(data.Status),
	}, nil
}

// cardWebhookPayload is the acquirer's webhook body.
type cardWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

// ParseWebhook verifies the HMAC-SHA512 hex signature and normalizes the payload.
func (d *CardDriver) ParseWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	mac := hmac.New(sha512.New, []byte(d.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return nil, ErrSignature
	}

	var event cardWebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode card webhook: %w", err)
	}
	return &domain.ProviderEvent{
		Reference:   event.Data.Reference,
		Status:      normalizeStatus(event.Data.Status),
		ProviderRef: fmt.Sprintf("%d", event.Data.ID),
		Amount:      event.Data.Amount,
	}, nil
}

// do executes one authenticated request against the acquirer API.
func (d *CardDriver) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.secretKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return asDriverError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	var envelope cardEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Status {
		log.Printf("level=warn component=card_driver provider=%s path=%s status=%d message=%q", d.name, path, resp.StatusCode, envelope.Message)
		return fmt.Errorf("card rail error: %s (status %d)", envelope.Message, resp.StatusCode)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", path, err)
		}
	}
	return nil
}
