package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wovengoods/checkout-api/internal/domain"
)

const (
	coinbaseProviderID = "coinbase"
	coinbaseAPIBase    = "https://api.commerce.coinbase.com"
	coinbaseAPIVersion = "2018-03-22"
)

// CoinbaseProviderConfig configures the CoinbaseProvider.
type CoinbaseProviderConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// CoinbaseProvider creates hosted Coinbase Commerce charges and verifies them
// by reading the charge timeline back. A charge whose funds are broadcast but
// unconfirmed maps to the pending outcome.
type CoinbaseProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	clock   func() time.Time
	logger  Logger
}

// NewCoinbaseProvider constructs a Coinbase Commerce Provider.
func NewCoinbaseProvider(cfg CoinbaseProviderConfig) (*CoinbaseProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("coinbase: api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = coinbaseAPIBase
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &CoinbaseProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ID returns the registry identifier for this provider.
func (p *CoinbaseProvider) ID() string { return coinbaseProviderID }

type coinbaseChargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  coinbaseMoney     `json:"local_price"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	CancelURL   string            `json:"cancel_url,omitempty"`
}

type coinbaseMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type coinbaseCharge struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	HostedURL string `json:"hosted_url"`
	ExpiresAt string `json:"expires_at"`
	Timeline  []struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	} `json:"timeline"`
	Payments []struct {
		Network       string `json:"network"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Value         struct {
			Local coinbaseMoney `json:"local"`
		} `json:"value"`
	} `json:"payments"`
}

type coinbaseEnvelope struct {
	Data  coinbaseCharge `json:"data"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate creates a fixed-price charge and returns the hosted payment page URL.
func (p *CoinbaseProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if p == nil {
		return InitiateResult{}, errors.New("coinbase: provider is nil")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["checkout_session_id"] = req.SessionID

	payload := coinbaseChargeRequest{
		Name:        "Order " + req.SessionID,
		PricingType: "fixed_price",
		LocalPrice: coinbaseMoney{
			Amount:   formatMinorUnits(req.Amount, currency),
			Currency: currency,
		},
		Metadata:    metadata,
		RedirectURL: req.SuccessURL,
		CancelURL:   req.CancelURL,
	}

	charge, err := p.postCharge(ctx, payload)
	if err != nil {
		return InitiateResult{}, err
	}

	p.logger(ctx, "payments.coinbase.charge.created", map[string]any{
		"sessionId":  req.SessionID,
		"chargeCode": charge.Code,
		"currency":   currency,
	})

	expiresAt := p.clock().Add(time.Hour)
	if parsed, err := time.Parse(time.RFC3339, charge.ExpiresAt); err == nil {
		expiresAt = parsed.UTC()
	}

	return InitiateResult{
		Provider:         coinbaseProviderID,
		Handle:           charge.Code,
		RedirectRequired: true,
		RedirectURL:      charge.HostedURL,
		ExpiresAt:        expiresAt,
	}, nil
}

// Verify fetches the charge and maps its last timeline entry to an outcome.
func (p *CoinbaseProvider) Verify(ctx context.Context, req VerifyRequest) (domain.PaymentOutcome, error) {
	if p == nil {
		return domain.PaymentOutcome{}, errors.New("coinbase: provider is nil")
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return domain.PaymentOutcome{}, errors.New("coinbase: charge code is required")
	}

	charge, err := p.getCharge(ctx, handle)
	if err != nil {
		return domain.PaymentOutcome{}, err
	}

	outcome := domain.PaymentOutcome{
		Provider:          coinbaseProviderID,
		ProviderReference: charge.Code,
		Status:            domain.PaymentFailed,
	}

	last := ""
	if len(charge.Timeline) > 0 {
		last = strings.ToUpper(charge.Timeline[len(charge.Timeline)-1].Status)
	}
	switch last {
	case "COMPLETED", "RESOLVED":
		outcome.Status = domain.PaymentPaid
	case "PENDING":
		outcome.Status = domain.PaymentPending
	case "EXPIRED", "CANCELED":
		outcome.Status = domain.PaymentCancelled
	}

	for _, payment := range charge.Payments {
		outcome.SettledCurrency = strings.ToUpper(payment.Value.Local.Currency)
		outcome.SettledAmount = parseMinorUnits(payment.Value.Local.Amount, outcome.SettledCurrency)
		outcome.Crypto = &domain.CryptoDetails{
			Network:          payment.Network,
			TransactionID:    payment.TransactionID,
			ConfirmedOnChain: strings.EqualFold(payment.Status, "CONFIRMED"),
		}
	}

	p.logger(ctx, "payments.coinbase.charge.verified", map[string]any{
		"chargeCode":     charge.Code,
		"timelineStatus": last,
		"status":         outcome.Status,
	})

	return outcome, nil
}

func (p *CoinbaseProvider) postCharge(ctx context.Context, payload coinbaseChargeRequest) (coinbaseCharge, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return coinbaseCharge{}, fmt.Errorf("coinbase: encode charge: %w", err)
	}
	return p.do(ctx, http.MethodPost, "/charges", bytes.NewReader(body))
}

func (p *CoinbaseProvider) getCharge(ctx context.Context, code string) (coinbaseCharge, error) {
	return p.do(ctx, http.MethodGet, "/charges/"+code, nil)
}

func (p *CoinbaseProvider) do(ctx context.Context, method, path string, body io.Reader) (coinbaseCharge, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return coinbaseCharge{}, fmt.Errorf("coinbase: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CC-Api-Key", p.apiKey)
	req.Header.Set("X-CC-Version", coinbaseAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return coinbaseCharge{}, fmt.Errorf("coinbase: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return coinbaseCharge{}, fmt.Errorf("coinbase: read response: %w", err)
	}

	var envelope coinbaseEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return coinbaseCharge{}, fmt.Errorf("coinbase: decode response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		if envelope.Error != nil {
			return coinbaseCharge{}, fmt.Errorf("coinbase: %s (%s)", envelope.Error.Message, envelope.Error.Type)
		}
		return coinbaseCharge{}, fmt.Errorf("coinbase: unexpected status %d", resp.StatusCode)
	}

	return envelope.Data, nil
}
