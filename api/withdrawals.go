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
	"net/http"

	"github.com/blnkfinance/escrow"
	apimodel "github.com/blnkfinance/escrow/api/model"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
)

func (a Api) RequestWithdrawal(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.RequestWithdrawal
	if !bindJSON(c, &req, req.ValidateRequestWithdrawal) {
		return
	}

	resp, err := a.escrow.RequestWithdrawal(c.Request.Context(), actor, escrow.WithdrawalRequest{
		Role:        model.WithdrawalRole(req.Role),
		Amount:      req.Amount,
		Method:      req.Method,
		Destination: req.Destination,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

func (a Api) GetWithdrawal(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.GetWithdrawal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) ApproveSellerWithdrawal(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.ApproveSellerWithdrawal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) ApprovePlatformWithdrawal(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.ApprovePlatformWithdrawal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}
