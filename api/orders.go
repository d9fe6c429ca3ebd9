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

	apimodel "github.com/blnkfinance/escrow/api/model"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
)

// RegisterOrder takes the order snapshot from checkout. Buyers may register
// their own orders; anyone else must be an admin.
func (a Api) RegisterOrder(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.RegisterOrder
	if !bindJSON(c, &req, req.ValidateRegisterOrder) {
		return
	}
	if !actor.IsAdmin() && actor.UserID != req.BuyerID {
		respondError(c, apierror.NewAPIError(apierror.ErrUnauthorized, "Orders can only be registered for yourself", nil))
		return
	}

	resp, err := a.escrow.RegisterOrder(c.Request.Context(), req.ToOrder())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

// CompletePayment is called by the payment webhook once the gateway
// confirms the charge.
func (a Api) CompletePayment(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	var req apimodel.CompletePayment
	if !bindJSON(c, &req, req.ValidateCompletePayment) {
		return
	}

	resp, err := a.escrow.CompletePayment(c.Request.Context(), c.Param("id"), req.PaymentReference, model.PaymentMethod(req.Method))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if resp.JustPaid {
		status = http.StatusCreated
	}
	respond(c, status, resp)
}

func (a Api) ConfirmDelivery(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.ConfirmDelivery(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// AssignRider is the dispatch callback.
func (a Api) AssignRider(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	var req apimodel.AssignRider
	if !bindJSON(c, &req, req.ValidateAssignRider) {
		return
	}

	resp, err := a.escrow.AssignRider(c.Request.Context(), c.Param("id"), req.RiderID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) GetOrderLedger(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.GetOrderLedger(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) ReleaseOrder(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	resp, err := a.escrow.ReleaseOrder(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) SetPayoutLock(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.PayoutLock
	if !bindJSON(c, &req, req.ValidatePayoutLock) {
		return
	}

	resp, err := a.escrow.SetPayoutLock(c.Request.Context(), actor, c.Param("id"), *req.Locked)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) RaiseDispute(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.RaiseDispute
	if !bindJSON(c, &req, req.ValidateRaiseDispute) {
		return
	}

	resp, err := a.escrow.RaiseDispute(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

func (a Api) ResolveDispute(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req apimodel.ResolveDispute
	if !bindJSON(c, &req, req.ValidateResolveDispute) {
		return
	}

	resp, err := a.escrow.ResolveDispute(c.Request.Context(), actor, c.Param("id"), model.DisputeResolution(req.Resolution), req.PartialAmount)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}
