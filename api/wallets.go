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
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
)

// canSeeWallet lets admins see every wallet and users only their own.
func canSeeWallet(actor escrow.Actor, w *model.Wallet) bool {
	return actor.IsAdmin() || (w.OwnerID != nil && *w.OwnerID == actor.UserID)
}

func (a Api) EnsureWallet(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.EnsureWallet
	if !bindJSON(c, &req, req.ValidateEnsureWallet) {
		return
	}
	if !actor.IsAdmin() && req.OwnerID != actor.UserID {
		respondError(c, apierror.NewAPIError(apierror.ErrUnauthorized, "You can only open your own wallet", nil))
		return
	}

	resp, err := a.escrow.EnsureWallet(c.Request.Context(), req.OwnerID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

func (a Api) GetWallet(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canSeeWallet(actor, resp) {
		respondError(c, apierror.NewAPIError(apierror.ErrUnauthorized, "You do not have access to this wallet", nil))
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) VerifyWallet(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	resp, err := a.escrow.VerifyWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}
