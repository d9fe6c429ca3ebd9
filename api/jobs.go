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
	"strconv"

	apimodel "github.com/blnkfinance/escrow/api/model"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
)

// ProcessJobs runs due jobs inline. An empty body uses the configured batch.
func (a Api) ProcessJobs(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	var req apimodel.ProcessJobs
	if c.Request.ContentLength > 0 && !bindJSON(c, &req, nil) {
		return
	}

	resp, err := a.escrow.ProcessPendingJobs(c.Request.Context(), req.MaxCount)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) ListJobs(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	resp, err := a.escrow.ListJobs(c.Request.Context(), model.JobStatus(c.Query("status")), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) RetryJob(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	resp, err := a.escrow.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (a Api) ReleaseDuePayouts(c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	var req apimodel.ReleaseDue
	if c.Request.ContentLength > 0 && !bindJSON(c, &req, nil) {
		return
	}

	resp, err := a.escrow.ReleaseDuePayouts(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}
