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

package api

import (
	"errors"
	"net/http"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/api/middleware"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type errorBody struct {
	Code    apierror.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

// envelope is the single response shape of the API.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	code, ok := apierror.CodeOf(err)
	message := err.Error()
	if !ok {
		code = apierror.ErrInternalServer
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		message = "internal server error"
	} else {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) {
			message = apiErr.Message
		}
	}
	c.JSON(status, envelope{Error: &errorBody{Code: code, Message: message}})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, envelope{Error: &errorBody{Code: apierror.ErrInvalidInput, Message: err.Error()}})
}

// bindJSON decodes the body into dst and runs validate. It writes the error
// response itself and reports whether the handler may continue.
func bindJSON(c *gin.Context, dst interface{}, validate func() error) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err)
		return false
	}
	if validate != nil {
		if err := validate(); err != nil {
			badRequest(c, err)
			return false
		}
	}
	return true
}

func actorFrom(c *gin.Context) (escrow.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		respondError(c, apierror.NewAPIError(apierror.ErrUnauthorized, "missing actor", nil))
	}
	return actor, ok
}

// requireAdmin guards the routes called by trusted collaborators such as
// checkout, the payment webhook and dispatch.
func requireAdmin(c *gin.Context) (escrow.Actor, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return actor, false
	}
	if !actor.IsAdmin() {
		respondError(c, apierror.NewAPIError(apierror.ErrUnauthorized, "Only an admin can perform this operation", nil))
		return actor, false
	}
	return actor, true
}
