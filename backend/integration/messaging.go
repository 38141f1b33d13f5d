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

package integration

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efmsg/backend/config"
	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/handlers"
	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/middleware"
	"github.com/efchatnet/efmsg/backend/storage"
	"github.com/efchatnet/efmsg/backend/storage/memory"
	"github.com/efchatnet/efmsg/backend/storage/postgres"
	relay "github.com/efchatnet/efmsg/backend/storage/redis"
)

// Messaging wires the messaging core into a host application: store,
// session hub, delivery coordinator, optional Redis relay and HTTP handlers.
type Messaging struct {
	settings config.Config

	db    *sql.DB
	rdb   *redis.Client
	store storage.Store
	hub   *delivery.Hub
	relay *relay.Relay
	coord *delivery.Coordinator
	svc   *messaging.Service

	messageHandler *handlers.MessageHandler
	groupHandler   *handlers.GroupHandler
	wsHandler      *handlers.WSHandler

	stopRelay context.CancelFunc
	relayDone chan struct{}

	// owned connections are closed by Close; injected ones are not.
	ownDB, ownRedis bool
}

// Config holds configuration for the integration. DB and Redis may be
// supplied by the host; otherwise they are opened from Settings.
type Config struct {
	DB       *sql.DB
	Redis    *redis.Client
	Settings config.Config
}

// NewMessaging builds the messaging core. With the postgres store the schema
// is migrated when Settings.MigrateAtStart is set.
func NewMessaging(ctx context.Context, cfg *Config) (*Messaging, error) {
	m := &Messaging{settings: cfg.Settings, db: cfg.DB, rdb: cfg.Redis}
	s := &m.settings

	switch s.Store {
	case config.StoreMemory:
		m.store = memory.NewStore()
	case config.StorePostgres:
		if m.db == nil {
			db, err := postgres.Open(ctx, s.DatabaseURL, s.DBMaxOpenConns)
			if err != nil {
				return nil, err
			}
			m.db, m.ownDB = db, true
		}
		pg := postgres.NewStore(m.db)
		if s.MigrateAtStart {
			if err := pg.Migrate(ctx); err != nil {
				m.closeConns()
				return nil, err
			}
		}
		m.store = pg
	default:
		return nil, &ValidationError{Message: "unknown store " + s.Store}
	}

	if m.rdb == nil && s.RedisURL != "" {
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			m.closeConns()
			return nil, err
		}
		m.rdb, m.ownRedis = redis.NewClient(opts), true
	}

	m.hub = delivery.NewHub()
	var r delivery.Relay
	if m.rdb != nil {
		m.relay = relay.NewRelay(m.rdb, m.hub, s.DeliveryPushTimeout)
		m.hub.SetPresenceListener(m.relay)
		r = m.relay

		runCtx, cancel := context.WithCancel(context.Background())
		m.stopRelay, m.relayDone = cancel, make(chan struct{})
		go func() {
			defer close(m.relayDone)
			if err := m.relay.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Relay stopped", "err", err)
			}
		}()
		log.Info("Cross-node relay enabled", "node", m.relay.NodeID())
	}
	m.coord = delivery.NewCoordinator(m.hub, r, s.DeliveryOptions())
	m.svc = messaging.NewService(m.store, m.coord, s.MessagingOptions())

	m.messageHandler = handlers.NewMessageHandler(m.svc, s.MaxCiphertextBytes, s.DeliveryPushTimeout)
	m.groupHandler = handlers.NewGroupHandler(m.svc)
	m.wsHandler = handlers.NewWSHandler(m.hub, m.svc, s.AllowedOrigins, s.SessionBuffer)

	log.Info("Messaging core ready", "store", s.Store, "lanes", s.DeliveryLanes)
	return m, nil
}

// RegisterRoutes adds the messaging routes under /api/msg. If authMiddleware
// is nil the built-in JWT validation is used.
func (m *Messaging) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/msg").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(m.settings.JWTSecret, m.settings.JWTIssuer))
	}

	// Conversation messages; {key} is dm:<a>:<b>, dm:<peer> or group:<id>
	api.HandleFunc("/conversations/{key}/messages", m.messageHandler.CreateMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{key}/messages", m.messageHandler.ListMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{key}/messages/{id:[0-9]+}", m.messageHandler.GetMessage).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{key}/messages/{id:[0-9]+}", m.messageHandler.DeleteMessage).Methods("DELETE", "OPTIONS")

	// Direct read tracking
	api.HandleFunc("/messages/{id:[0-9]+}/read", m.messageHandler.MarkRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/unread", m.messageHandler.DirectUnread).Methods("GET", "OPTIONS")

	// Groups
	api.HandleFunc("/groups", m.groupHandler.CreateGroup).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}", m.groupHandler.GetGroup).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/members", m.groupHandler.GetMembers).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/join", m.groupHandler.Join).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/leave", m.groupHandler.Leave).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/rejoin", m.groupHandler.Rejoin).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/promote", m.groupHandler.Promote).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/demote", m.groupHandler.Demote).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/messages/{id:[0-9]+}/ack", m.groupHandler.AckMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/unread", m.groupHandler.Unread).Methods("GET", "OPTIONS")

	api.HandleFunc("/ws", m.wsHandler.ServeWS).Methods("GET")
}

// Service returns the messaging core for hosts that call it directly.
func (m *Messaging) Service() *messaging.Service { return m.svc }

func (m *Messaging) Hub() *delivery.Hub { return m.hub }

// Health checks the backing connections.
func (m *Messaging) Health(ctx context.Context) error {
	var errs []error
	if m.db != nil {
		if err := m.db.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.rdb != nil {
		if err := m.rdb.Ping(ctx).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateSetup checks if the messaging module is properly configured
func (m *Messaging) ValidateSetup() error {
	if m.settings.JWTSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Close drops live sessions, drains the delivery lanes, stops the relay and
// closes connections this integration opened.
func (m *Messaging) Close() error {
	m.hub.Close()
	m.coord.Close()
	var errs []error
	if m.relay != nil {
		m.stopRelay()
		<-m.relayDone
		if err := m.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownDB {
		// postgres.Store.Close closes the pool.
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownRedis {
		if err := m.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Messaging) closeConns() {
	if m.ownDB && m.db != nil {
		m.db.Close()
	}
	if m.ownRedis && m.rdb != nil {
		m.rdb.Close()
	}
}
