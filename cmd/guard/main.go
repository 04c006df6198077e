// Copyright 2025 Sentinel
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

// Package main is the entry point for the Sentinel guard service.
//
// The guard is the security defense layer that sits in front of the
// agent platform:
// - Distributed rate limiting across endpoint classes
// - JWT issuance, verification, rotation and revocation
// - Threat-signature validation of untrusted inputs
// - Context-bound encryption for caller secrets
// - Security event monitoring with error budgets and alerting
//
// Usage:
//
//	./guard -config /etc/sentinel/guard.yaml
//
// Environment Variables:
//
//	SENTINEL_REDIS_URL      - Redis backend for distributed state
//	SENTINEL_DATABASE_URL   - PostgreSQL event store (optional)
//	SENTINEL_LISTEN_ADDR    - HTTP listen address
//	SENTINEL_MASTER_KEY     - base64 master key when keystore.source is env
//	SENTINEL_API_CLIENTS    - client credentials (id:secret[,id:secret...])
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"sentinel/platform/security/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("initialize guard: %v", err)
	}
	if err := app.run(ctx); err != nil {
		log.Fatalf("guard: %v", err)
	}
}
