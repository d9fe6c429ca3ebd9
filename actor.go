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

package escrow

import (
	"strings"

	"github.com/blnkfinance/escrow/internal/apierror"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleRider  Role = "RIDER"
)

// Actor is the authenticated caller as asserted by the gateway in front of
// the engine. The engine never authenticates; it only authorizes.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// ParseRole normalizes a role header value. Unknown roles come back empty.
func ParseRole(raw string) Role {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleAdmin, RoleBuyer, RoleSeller, RoleRider:
		return r
	}
	return ""
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func requireAdmin(a Actor) error {
	if !a.IsAdmin() {
		return apierror.NewAPIError(apierror.ErrUnauthorized, "Only an admin can perform this operation", nil)
	}
	return nil
}
