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

package main

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/efchatnet/efmsg/backend/config"
	"github.com/efchatnet/efmsg/backend/storage/postgres"
)

func migrateCommand() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the Postgres schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("EFMSG_DATABASE_URL", "DATABASE_URL"),
				Destination: &cfg.DatabaseURL,
				Value:       cfg.DatabaseURL,
				Usage:       "Postgres connection URL",
			},
			&cli.StringFlag{
				Name:        "log-level",
				Sources:     cli.EnvVars("EFMSG_LOG_LEVEL"),
				Destination: &cfg.LogLevel,
				Value:       cfg.LogLevel,
				Usage:       "Log level (debug|info|warn|error)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := setLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			db, err := postgres.Open(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			store := postgres.NewStore(db)
			defer store.Close()

			log.Info("Running migrations...")
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info("Migrations completed")
			return nil
		},
	}
}
