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

package middleware

import (
	"net/http"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/gin-gonic/gin"
)

const (
	ActorIDHeader   = "X-Actor-Id"
	ActorRoleHeader = "X-Actor-Role"

	actorKey = "actor"
)

// Actor reads the caller identity asserted by the gateway and checks the
// role may touch the requested resource. Ownership checks happen in the
// engine.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		userID := c.GetHeader(ActorIDHeader)
		if userID == "" {
			abort(c, http.StatusUnauthorized, apierror.ErrUnauthorized, "Missing "+ActorIDHeader+" header")
			return
		}
		role := escrow.ParseRole(c.GetHeader(ActorRoleHeader))
		if role == "" {
			abort(c, http.StatusUnauthorized, apierror.ErrUnauthorized, "Missing or unknown "+ActorRoleHeader+" header")
			return
		}

		resource := getResourceFromPath(c.Request.URL.Path)
		if resource == "" {
			abort(c, http.StatusNotFound, apierror.ErrNotFound, "Unknown resource")
			return
		}
		if !HasPermission(role, resource, c.Request.Method) {
			action := methodToAction[c.Request.Method]
			abort(c, http.StatusForbidden, apierror.ErrUnauthorized,
				"Role "+string(role)+" lacks "+BuildScope(resource, action))
			return
		}

		c.Set(actorKey, escrow.Actor{UserID: userID, Role: role})
		c.Next()
	}
}

// ActorFrom returns the actor stored by the Actor middleware.
func ActorFrom(c *gin.Context) (escrow.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return escrow.Actor{}, false
	}
	actor, ok := v.(escrow.Actor)
	return actor, ok
}
