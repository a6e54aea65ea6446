// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the server configuration, parsed from flags and
// environment variables.
package config

import (
	"time"

	"github.com/jessevdk/go-flags"
)

// Config is the full configuration of the collaboration server.
type Config struct {
	Server struct {
		BindAddr    string `long:"bind" env:"COLLAB_BIND" default:":8098" description:"HTTP listen address"`
		MetricsAddr string `long:"metrics-addr" env:"COLLAB_METRICS_ADDR" default:"" description:"If non-empty, expose Prometheus /metrics on this address"`
		LogLevel    string `long:"log-level" env:"COLLAB_LOG_LEVEL" default:"info" description:"Logging level (debug, info, warn, error)"`
	} `group:"Server" namespace:"server"`

	Engine struct {
		MaxRetries          int           `long:"max-retries" env:"COLLAB_MAX_RETRIES" default:"5" description:"Commit CAS rounds before a submission is rejected"`
		RoomCleanupInterval time.Duration `long:"room-cleanup-interval" env:"COLLAB_ROOM_CLEANUP_INTERVAL" default:"30s" description:"Reaper sweep cadence"`
		StaleSessionAge     time.Duration `long:"stale-session-age" env:"COLLAB_STALE_SESSION_AGE" default:"2m" description:"Heartbeat age after which a session is reaped"`
		PendingSlotTimeout  time.Duration `long:"pending-slot-timeout" env:"COLLAB_PENDING_SLOT_TIMEOUT" default:"30s" description:"Age after which a leaked PENDING slot is abandoned"`
	} `group:"Engine" namespace:"engine"`

	Redis struct {
		Addr     string `long:"addr" env:"COLLAB_REDIS_ADDR" default:"127.0.0.1:6379" description:"Redis address for the version ledger"`
		Password string `long:"password" env:"COLLAB_REDIS_PASSWORD" default:"" description:"Redis password"`
		DB       int    `long:"db" env:"COLLAB_REDIS_DB" default:"0" description:"Redis database"`
	} `group:"Redis" namespace:"redis"`

	Store struct {
		Backend         string `long:"backend" env:"COLLAB_STORE_BACKEND" default:"memory" choice:"memory" choice:"s3" description:"Binary document store backend"`
		Bucket          string `long:"bucket" env:"COLLAB_STORE_BUCKET" default:"" description:"S3 bucket for binary documents"`
		Region          string `long:"region" env:"COLLAB_STORE_REGION" default:"us-east-1" description:"S3 region"`
		Endpoint        string `long:"endpoint" env:"COLLAB_STORE_ENDPOINT" default:"" description:"Custom S3 endpoint (MinIO etc.)"`
		AccessKeyID     string `long:"access-key-id" env:"COLLAB_STORE_ACCESS_KEY_ID" default:"" description:"Static S3 access key (default chain when empty)"`
		SecretAccessKey string `long:"secret-access-key" env:"COLLAB_STORE_SECRET_ACCESS_KEY" default:"" description:"Static S3 secret key"`
		ForcePathStyle  bool   `long:"force-path-style" env:"COLLAB_STORE_FORCE_PATH_STYLE" description:"Use path-style S3 addressing"`
	} `group:"Store" namespace:"store"`
}

// Parse reads configuration from args and the environment.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}
