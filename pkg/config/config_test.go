// Copyright 2026 CasareRPA Authors
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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
store:
  dsn: "postgres://localhost/casare"
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Store.Type != "postgres" {
		t.Errorf("Store.Type should derive postgres from dsn: got %q", cfg.Store.Type)
	}
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/casare")
	t.Setenv("WORKERS", "6")
	t.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "120")
	t.Setenv("MAX_WORKFLOW_NODES", "50")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.DSN != "postgres://env/casare" {
		t.Errorf("Store.DSN: got %q", cfg.Store.DSN)
	}
	if cfg.Dispatch.Workers != 6 {
		t.Errorf("Dispatch.Workers: got %d", cfg.Dispatch.Workers)
	}
	if cfg.Registry.HeartbeatTimeoutSeconds != 120 {
		t.Errorf("HeartbeatTimeoutSeconds: got %d", cfg.Registry.HeartbeatTimeoutSeconds)
	}
	if cfg.Limits.MaxWorkflowNodes != 50 {
		t.Errorf("MaxWorkflowNodes: got %d", cfg.Limits.MaxWorkflowNodes)
	}
	if len(cfg.API.CORS.AllowOrigins) != 2 || cfg.API.CORS.AllowOrigins[1] != "https://b.example" {
		t.Errorf("CORS origins: got %v", cfg.API.CORS.AllowOrigins)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.JobTimeoutDefaultSeconds != 3600 {
		t.Errorf("JobTimeoutDefaultSeconds: got %d", cfg.Queue.JobTimeoutDefaultSeconds)
	}
	if cfg.Registry.HeartbeatTimeoutSeconds != 90 {
		t.Errorf("HeartbeatTimeoutSeconds: got %d", cfg.Registry.HeartbeatTimeoutSeconds)
	}
	if cfg.Registry.LivenessSweepInterval != "15s" {
		t.Errorf("LivenessSweepInterval: got %q", cfg.Registry.LivenessSweepInterval)
	}
	if cfg.Queue.TimeoutSweepInterval != "10s" {
		t.Errorf("TimeoutSweepInterval: got %q", cfg.Queue.TimeoutSweepInterval)
	}
	if cfg.Limits.MaxWorkflowBytes != 10<<20 {
		t.Errorf("MaxWorkflowBytes: got %d", cfg.Limits.MaxWorkflowBytes)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Store.Type default: got %q", cfg.Store.Type)
	}
}

func TestReplaceEnvVars(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://secret/db")
	cfg := &Config{}
	cfg.Store.DSN = "${TEST_PG_DSN}"
	if err := replaceEnvVars(cfg); err != nil {
		t.Fatalf("replaceEnvVars: %v", err)
	}
	if cfg.Store.DSN != "postgres://secret/db" {
		t.Errorf("DSN not expanded: got %q", cfg.Store.DSN)
	}
}

func TestResolveSecretRefs(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "hmac-key")
	cfg := &Config{}
	cfg.API.Middleware.JWTKey = "env:TEST_JWT_SECRET"
	cfg.Store.DSN = "postgres://literal/db"
	if err := resolveSecretRefs(cfg); err != nil {
		t.Fatalf("resolveSecretRefs: %v", err)
	}
	if cfg.API.Middleware.JWTKey != "hmac-key" {
		t.Errorf("JWTKey not resolved: got %q", cfg.API.Middleware.JWTKey)
	}
	if cfg.Store.DSN != "postgres://literal/db" {
		t.Errorf("literal DSN should pass through: got %q", cfg.Store.DSN)
	}
}

func TestResolveSecretRefs_MissingEnvErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Robot.Token = "env:CASARE_TEST_UNSET_TOKEN"
	if err := resolveSecretRefs(cfg); err == nil {
		t.Fatal("unset env reference should fail load")
	}
}
