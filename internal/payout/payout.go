/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package payout talks to the external payment provider that moves money out
// of the platform. The provider is expected to be idempotent on the supplied
// key and to fail closed.
package payout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/request"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrNotConfigured = errors.New("payout provider is not configured")

type Provider interface {
	Name() string
	// CreateTransfer sends amount to an external destination (seller bank
	// account or recipient code) and returns the provider transfer id.
	CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (string, error)
	// CreatePayout sweeps amount from the provider balance to the platform's
	// settlement account and returns the provider payout id.
	CreatePayout(ctx context.Context, amount int64, idempotencyKey string) (string, error)
}

type transferRequest struct {
	Destination string `json:"destination,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Reference   string `json:"reference"`
}

type providerResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r providerResponse) identifier() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Data.ID
}

// HTTPProvider is a JSON-over-HTTP provider client.
type HTTPProvider struct {
	name      string
	baseURL   string
	secretKey string
	currency  string
}

func NewHTTPProvider(name, baseURL, secretKey, currency string) *HTTPProvider {
	return &HTTPProvider{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		currency:  currency,
	}
}

// NewFromConfig builds the provider from configuration. It returns
// ErrNotConfigured when no base url is set.
func NewFromConfig(cfg *config.Configuration) (*HTTPProvider, error) {
	if cfg.Provider.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	return NewHTTPProvider(cfg.Provider.Name, cfg.Provider.BaseURL, cfg.Provider.SecretKey, cfg.Settlement.Currency), nil
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (string, error) {
	if destination == "" {
		return "", errors.New("transfer destination is required")
	}
	return p.post(ctx, "/transfers", transferRequest{
		Destination: destination,
		Amount:      amount,
		Currency:    p.currency,
		Reference:   idempotencyKey,
	}, idempotencyKey)
}

func (p *HTTPProvider) CreatePayout(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	return p.post(ctx, "/payouts", transferRequest{
		Amount:    amount,
		Currency:  p.currency,
		Reference: idempotencyKey,
	}, idempotencyKey)
}

func (p *HTTPProvider) post(ctx context.Context, path string, body transferRequest, idempotencyKey string) (string, error) {
	ctx, span := otel.Tracer("escrow.payout").Start(ctx, "Provider "+path)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.name", p.name),
		attribute.String("idempotency_key", idempotencyKey),
		attribute.Int64("amount", body.Amount),
	)

	if amount := body.Amount; amount <= 0 {
		return "", fmt.Errorf("invalid payout amount %d", amount)
	}

	payload, err := request.ToJsonReq(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	var resp providerResponse
	if _, err := request.Call(req, &resp); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%s%s: %w", p.name, path, err)
	}

	id := resp.identifier()
	if id == "" {
		return "", fmt.Errorf("%s%s: response carried no id", p.name, path)
	}
	span.SetAttributes(attribute.String("provider.id", id))
	return id, nil
}
