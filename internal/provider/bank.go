/**
 * @description
 * Driver for the bank-transfer rail. The vendor exposes a JSON:API style
 * surface: nested `data`/`attributes`/`relationships` payloads and an
 * `errors[]` envelope on failure. Webhooks are signed with HMAC-SHA256 over
 * the raw body, base64-encoded in the signature header.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, encoding/json, net/http: Standard Go libraries.
 */
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/corepay/ledger-service/internal/domain"
)

// BankDriver talks to the bank-transfer vendor's API.
type BankDriver struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
}

// NewBankDriver creates a bank-rail driver.
func NewBankDriver(name, baseURL, apiKey, webhookSecret string) *BankDriver {
	return &BankDriver{
		name:          name,
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider name this driver serves.
func (d *BankDriver) Name() string { return d.name }

// bankTransferRequest is the vendor's payout payload.
type bankTransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency  string `json:"currency"`
			Amount    int64  `json:"amount"`
			Reference string `json:"reference"`
			Reason    string `json:"reason"`
		} `json:"attributes"`
		Relationships struct {
			CounterParty struct {
				Data struct {
					BankCode      string `json:"bankCode"`
					AccountNumber string `json:"accountNumber"`
				} `json:"data"`
			} `json:"counterParty"`
		} `json:"relationships"`
	} `json:"data"`
}

// bankTransferResponse is the vendor's acknowledgement of a transfer.
type bankTransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Fee    int64  `json:"fee"`
		} `json:"attributes"`
	} `json:"data"`
}

// bankErrorResponse represents an error envelope from the vendor.
type bankErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *bankErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("bank rail error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown bank rail error"
}

// InitiatePayout sends a transfer instruction to the bank rail.
func (d *BankDriver) InitiatePayout(ctx context.Context, instruction PayoutInstruction) (*PayoutResult, error) {
	reqPayload := bankTransferRequest{}
	reqPayload.Data.Type = "BankTransfer"
	reqPayload.Data.Attributes.Currency = "NGN"
	reqPayload.Data.Attributes.Amount = instruction.Amount
	reqPayload.Data.Attributes.Reference = instruction.Reference
	reqPayload.Data.Attributes.Reason = instruction.Narration
	reqPayload.Data.Relationships.CounterParty.Data.BankCode = instruction.BankCode
	reqPayload.Data.Relationships.CounterParty.Data.AccountNumber = instruction.BankAccount

	var resp bankTransferResponse
	if err := d.do(ctx, http.MethodPost, "/api/v1/transfers", reqPayload, &resp); err != nil {
		return nil, err
	}
	return &PayoutResult{
		ProviderRef: resp.Data.ID,
		Status:      normalizeStatus(resp.Data.Attributes.Status),
		Fee:         resp.Data.Attributes.Fee,
	}, nil
}

// ResolveBankAccount validates an account number against the rail.
func (d *BankDriver) ResolveBankAccount(ctx context.Context, bankCode, accountNumber string) (*BankAccount, error) {
	var resp struct {
		Data struct {
			Attributes struct {
				AccountName   string `json:"accountName"`
				AccountNumber string `json:"accountNumber"`
				BankCode      string `json:"bankCode"`
			} `json:"attributes"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/banks/%s/resolve/%s", bankCode, accountNumber)
	if err := d.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &BankAccount{
		AccountNumber: resp.Data.Attributes.AccountNumber,
		AccountName:   resp.Data.Attributes.AccountName,
		BankCode:      resp.Data.Attributes.BankCode,
	}, nil
}

// VerifyTransaction polls the rail for the current status of a transfer.
func (d *BankDriver) VerifyTransaction(ctx context.Context, reference string) (*domain.ProviderEvent, error) {
	var resp struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Reference string `json:"reference"`
				Status    string `json:"status"`
				Amount    int64  `json:"amount"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := d.do(ctx, http.MethodGet, "/api/v1/transfers/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	return &domain.ProviderEvent{
		Reference:   resp.Data.Attributes.Reference,
		Status:      normalizeStatus(resp.Data.Attributes.Status),
		ProviderRef: resp.Data.ID,
		Amount:      resp.Data.Attributes.Amount,
	}, nil
}

// RequestRefund forwards a refund to the vendor's refund API; the terminal
// status arrives later through a webhook.
func (d *BankDriver) RequestRefund(ctx context.Context, providerRef string, amount int64) (*PayoutResult, error) {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "Refund",
			"attributes": map[string]interface{}{
				"transferId": providerRef,
				"amount":     amount,
			},
		},
	}
	var resp bankTransferResponse
	if err := d.do(ctx, http.MethodPost, "/api/v1/refunds", payload, &resp); err != nil {
		return nil, err
	}
	return &PayoutResult{
		ProviderRef: resp.Data.ID,
		Status:      normalizeStatus(resp.Data.Attributes.Status),
	}, nil
}

// bankWebhookPayload is the vendor's webhook body.
type bankWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID         string `json:"id"`
		Attributes struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseWebhook verifies the HMAC-SHA256 signature and normalizes the payload.
func (d *BankDriver) ParseWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	mac := hmac.New(sha256.New, []byte(d.webhookSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return nil, ErrSignature
	}

	var event bankWebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode bank webhook: %w", err)
	}
	return &domain.ProviderEvent{
		Reference:   event.Data.Attributes.Reference,
		Status:      normalizeStatus(event.Data.Attributes.Status),
		ProviderRef: event.Data.ID,
		Amount:      event.Data.Attributes.Amount,
	}, nil
}

// do executes one authenticated request against the vendor API.
func (d *BankDriver) do(ctx context.Context, method, path string, payload, out interface{}) error {
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return asDriverError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp bankErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=bank_driver provider=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", d.name, path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=bank_driver provider=%s path=%s status=%d detail=%q", d.name, path, resp.StatusCode, errResp.Error())
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
