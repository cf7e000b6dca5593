// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import "github.com/floragate/floragate/internal/models"

// StaticDirectory is a fixed user directory resolved from the
// configuration at startup.
type StaticDirectory map[string]models.User

// NewStaticDirectory indexes users by id.
func NewStaticDirectory(users []models.User) StaticDirectory {
	dir := make(StaticDirectory, len(users))
	for _, u := range users {
		dir[u.ID] = u
	}
	return dir
}

// Lookup implements Directory.
func (d StaticDirectory) Lookup(userID string) (models.User, bool) {
	u, ok := d[userID]
	return u, ok
}
