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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/messaging"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds everything the server needs. Flags and EFMSG_* environment
// variables write straight into it.
type Config struct {
	Port     int
	LogLevel string

	// Store selects the message store backend: "postgres" or "memory".
	Store          string
	DatabaseURL    string
	DBMaxOpenConns int
	MigrateAtStart bool

	// RedisURL enables the cross-node relay when set.
	RedisURL string

	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string

	MaxCiphertextBytes int
	RequireIV          bool
	DefaultPageSize    int
	MaxPageSize        int

	DeliveryLanes       int
	DeliveryLaneBuffer  int
	DeliveryPushTimeout time.Duration
	DeliveryParallelism int
	SessionBuffer       int

	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	msg := messaging.DefaultOptions()
	dlv := delivery.DefaultOptions()
	return Config{
		Port:                8081,
		LogLevel:            "info",
		Store:               StorePostgres,
		DatabaseURL:         "postgres://localhost/efmsg?sslmode=disable",
		DBMaxOpenConns:      20,
		MigrateAtStart:      true,
		JWTIssuer:           "efchat",
		AllowedOrigins:      []string{"*"},
		MaxCiphertextBytes:  msg.MaxCiphertextBytes,
		RequireIV:           msg.RequireIV,
		DefaultPageSize:     msg.DefaultPageSize,
		MaxPageSize:         msg.MaxPageSize,
		DeliveryLanes:       dlv.Lanes,
		DeliveryLaneBuffer:  dlv.LaneBuffer,
		DeliveryPushTimeout: dlv.PushTimeout,
		DeliveryParallelism: dlv.Parallelism,
		SessionBuffer:       64,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("database url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.MaxPageSize > 0 && c.DefaultPageSize > c.MaxPageSize {
		errs = append(errs, fmt.Errorf("default page size %d exceeds max %d", c.DefaultPageSize, c.MaxPageSize))
	}
	return errors.Join(errs...)
}

func (c *Config) MessagingOptions() messaging.Options {
	return messaging.Options{
		MaxCiphertextBytes: c.MaxCiphertextBytes,
		RequireIV:          c.RequireIV,
		DefaultPageSize:    c.DefaultPageSize,
		MaxPageSize:        c.MaxPageSize,
	}
}

func (c *Config) DeliveryOptions() delivery.Options {
	return delivery.Options{
		Lanes:       c.DeliveryLanes,
		LaneBuffer:  c.DeliveryLaneBuffer,
		PushTimeout: c.DeliveryPushTimeout,
		Parallelism: c.DeliveryParallelism,
	}
}
