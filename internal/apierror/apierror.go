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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrUnauthorized              ErrorCode = "UNAUTHORIZED"
	ErrNotFound                  ErrorCode = "NOT_FOUND"
	ErrInvalidStatus             ErrorCode = "INVALID_STATUS"
	ErrInsufficientFunds         ErrorCode = "INSUFFICIENT_FUNDS"
	ErrInsufficientReleasedFunds ErrorCode = "INSUFFICIENT_RELEASED_FUNDS"
	ErrProviderFailure           ErrorCode = "PROVIDER_FAILURE"
	ErrDisputeWindowExpired      ErrorCode = "DISPUTE_WINDOW_EXPIRED"
	ErrDisputeActive             ErrorCode = "DISPUTE_ACTIVE"
	ErrConservationViolation     ErrorCode = "CONSERVATION_VIOLATION"
	ErrConflict                  ErrorCode = "CONFLICT"
	ErrBadRequest                ErrorCode = "BAD_REQUEST"
	ErrInvalidInput              ErrorCode = "INVALID_INPUT"
	ErrInternalServer            ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIError is the typed error returned by every engine operation. Callers
// branch on Code, never on Message.
type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause when Details carries one, so that
// driver errors stay reachable through errors.As.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the code of the first APIError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return "", false
}

// HasCode reports whether err carries one of the given codes.
func HasCode(err error, codes ...ErrorCode) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case ErrUnauthorized:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrInvalidStatus, ErrDisputeActive:
		return http.StatusConflict
	case ErrInvalidInput, ErrBadRequest:
		return http.StatusBadRequest
	case ErrInsufficientFunds, ErrInsufficientReleasedFunds, ErrDisputeWindowExpired:
		return http.StatusUnprocessableEntity
	case ErrProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
