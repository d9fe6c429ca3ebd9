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

// Package dispatch asks the external delivery service to pick a rider for an
// order once its funds are finalized.
package dispatch

import (
	"context"
	"net/http"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/request"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type Request struct {
	OrderID    string `json:"order_id"`
	DeliveryID string `json:"delivery_id"`
	Category   string `json:"category"`
	SameDay    bool   `json:"same_day"`
}

type Assignment struct {
	RiderID       string  `json:"rider_id"`
	RiderWalletID *string `json:"rider_wallet_id,omitempty"`
}

type Dispatcher interface {
	// AutoAssign returns the chosen rider, or nil when the service accepted
	// the request but assigns asynchronously.
	AutoAssign(ctx context.Context, req Request) (*Assignment, error)
}

type HTTPDispatcher struct {
	url           string
	authorization string
}

func NewHTTPDispatcher(url, authorization string) *HTTPDispatcher {
	return &HTTPDispatcher{url: url, authorization: authorization}
}

// NewFromConfig returns nil when no dispatch url is configured.
func NewFromConfig(cfg *config.Configuration) *HTTPDispatcher {
	if cfg.Dispatch.Url == "" {
		return nil
	}
	return NewHTTPDispatcher(cfg.Dispatch.Url, cfg.Dispatch.Headers.Authorization)
}

func (d *HTTPDispatcher) AutoAssign(ctx context.Context, r Request) (*Assignment, error) {
	ctx, span := otel.Tracer("escrow.dispatch").Start(ctx, "AutoAssign")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", r.OrderID))

	payload, err := request.ToJsonReq(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, payload)
	if err != nil {
		return nil, err
	}
	if d.authorization != "" {
		req.Header.Set("Authorization", d.authorization)
	}

	var assignment Assignment
	if _, err := request.Call(req, &assignment); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if assignment.RiderID == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("rider.id", assignment.RiderID))
	return &assignment, nil
}
