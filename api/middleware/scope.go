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
	"strings"

	"github.com/blnkfinance/escrow"
)

// Resource is a group of routes sharing one permission.
type Resource string

// Action represents the allowed actions on a resource.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAll   Action = "*"

	ResourceOrders              Resource = "orders"
	ResourceWithdrawals         Resource = "withdrawals"
	ResourcePlatformWithdrawals Resource = "platform-withdrawals"
	ResourceWallets             Resource = "wallets"
	ResourceJobs                Resource = "jobs"
	ResourcePayouts             Resource = "payouts"
	ResourceAll                 Resource = "*"
)

var methodToAction = map[string]Action{
	"GET":   ActionRead,
	"HEAD":  ActionRead,
	"POST":  ActionWrite,
	"PUT":   ActionWrite,
	"PATCH": ActionWrite,
}

var pathToResource = map[string]Resource{
	"orders":               ResourceOrders,
	"withdrawals":          ResourceWithdrawals,
	"platform-withdrawals": ResourcePlatformWithdrawals,
	"wallets":              ResourceWallets,
	"jobs":                 ResourceJobs,
	"payouts":              ResourcePayouts,
}

// roleScopes lists what each role may reach. Jobs, payouts and platform
// withdrawals are operator surfaces.
var roleScopes = map[escrow.Role][]string{
	escrow.RoleAdmin:  {"*:*"},
	escrow.RoleBuyer:  {"orders:*", "wallets:*"},
	escrow.RoleSeller: {"orders:read", "withdrawals:*", "wallets:*"},
	escrow.RoleRider:  {"orders:read", "withdrawals:*", "wallets:*"},
}

// BuildScope creates a scope string from resource and action
func BuildScope(resource Resource, action Action) string {
	return string(resource) + ":" + string(action)
}

// ParseScope parses a scope string into resource and action
func ParseScope(scope string) (Resource, Action) {
	parts := strings.Split(scope, ":")
	if len(parts) != 2 {
		return "", ""
	}
	return Resource(parts[0]), Action(parts[1])
}

func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

// HasPermission checks if a role may use the HTTP method on a resource.
func HasPermission(role escrow.Role, resource Resource, method string) bool {
	action := methodToAction[method]
	if action == "" {
		return false
	}

	for _, scope := range roleScopes[role] {
		scopeResource, scopeAction := ParseScope(scope)
		if scopeResource != ResourceAll && scopeResource != resource {
			continue
		}
		if scopeAction == ActionAll || scopeAction == action {
			return true
		}
	}
	return false
}
