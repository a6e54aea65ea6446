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

// Package main is the entry point for the collaboration server: the
// operation coordination engine behind real-time collaborative editing of
// office documents.
//
// The server keeps a gapless, totally ordered version ledger per document in
// Redis, transforms concurrent edits through OT before committing them, fans
// committed operations out to WebSocket subscribers, and persists the binary
// document to an object store on UI-initiated saves.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab/internal/api"
	"collab/internal/config"
	"collab/internal/engine/docstore"
	"collab/internal/engine/hub"
	"collab/internal/engine/kvc"
	"collab/internal/engine/ot"
	"collab/internal/engine/persist"
	"collab/internal/engine/pipeline"
	"collab/internal/engine/presence"
	"collab/internal/engine/reaper"
	"collab/internal/engine/syncsvc"
	"collab/internal/telemetry"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	level, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	// 1. The version ledger. Every coordination primitive is a Lua script
	// executed atomically by Redis.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.Redis.Addr).Fatal("redis unreachable")
	}
	coord := kvc.NewRedis(rdb)

	// 2. The binary document store.
	var objects docstore.ObjectStore
	switch cfg.Store.Backend {
	case "s3":
		objects, err = docstore.NewS3(docstore.S3Config{
			Endpoint:        cfg.Store.Endpoint,
			Region:          cfg.Store.Region,
			Bucket:          cfg.Store.Bucket,
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
			ForcePathStyle:  cfg.Store.ForcePathStyle,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to build s3 store")
		}
	default:
		log.Warn("using in-memory document store; documents do not survive restarts")
		objects = docstore.NewMemory()
	}
	codec := docstore.TextCodec{}

	// 3. Engine components.
	fanout := hub.New()
	pipe := pipeline.New(coord, ot.NewTransformer(), fanout, cfg.Engine.MaxRetries)
	sync := syncsvc.New(coord, objects, codec, ot.NewApplier())
	saver := persist.New(coord, objects, codec)
	reg := presence.New(coord, fanout, cfg.Engine.StaleSessionAge)

	sweeper := reaper.New(coord, reg, cfg.Engine.RoomCleanupInterval, cfg.Engine.PendingSlotTimeout)
	sweeper.Start()

	if cfg.Server.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(cfg.Server.MetricsAddr); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	// 4. The HTTP and WebSocket surface.
	apiServer := api.NewServer(sync, pipe, saver, reg, fanout)
	httpServer := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: apiServer.Handler(),
	}
	go func() {
		log.WithField("addr", cfg.Server.BindAddr).Info("collaboration server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// 5. Graceful shutdown: stop accepting work, then run the reaper's final
	// sweep so removable ledgers are not stranded.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
	sweeper.Stop()
	if err := rdb.Close(); err != nil {
		log.WithError(err).Warn("closing redis client failed")
	}
	log.Info("server stopped")
}
