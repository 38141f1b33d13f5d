// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigNeedsOnlySecret(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorContains(t, cfg.Validate(), "jwt secret")

	cfg.JWTSecret = "s3cret"
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store = "sqlite"
	cfg.Port = 0
	cfg.DefaultPageSize = 500

	err := cfg.Validate()
	require.ErrorContains(t, err, `unknown store "sqlite"`)
	require.ErrorContains(t, err, "jwt secret")
	require.ErrorContains(t, err, "invalid port")
	require.ErrorContains(t, err, "exceeds max")
}

func TestOptionsCarryOver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireIV = false
	cfg.DeliveryLanes = 3

	require.False(t, cfg.MessagingOptions().RequireIV)
	require.Equal(t, 3, cfg.DeliveryOptions().Lanes)
}
