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

package app

import (
	"context"
	"fmt"

	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/config"
	"casare-orchestrator/pkg/log"
)

// Bootstrap 统一初始化：日志、持久化、唤醒信号。cmd 层只负责装配与退出码。
type Bootstrap struct {
	Config *config.Config
	Logger *log.Logger
	Store  store.Store
	Signal queue.Signal
}

// NewBootstrap 根据配置创建 Bootstrap。store/signal 的选型在这里定死，
// 上层组件只见接口。
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	sig, err := newSignal(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("初始化唤醒信号失败: %w", err)
	}

	return &Bootstrap{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Signal: sig,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg == nil || cfg.Store.Type == "" || cfg.Store.Type == "memory" {
		return store.NewMemoryStore(), nil
	}
	switch cfg.Store.Type {
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.type=postgres 需要配置 store.dsn")
		}
		migrate := true
		if cfg.Store.MigrateOnStart != nil {
			migrate = *cfg.Store.MigrateOnStart
		}
		return store.NewPgStore(ctx, cfg.Store.DSN, store.Options{
			PoolSize:       cfg.Store.PoolSize,
			MigrateOnStart: migrate,
		})
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Store.Type)
	}
}

func newSignal(ctx context.Context, cfg *config.Config) (queue.Signal, error) {
	if cfg == nil || cfg.Wakeup.Type == "" || cfg.Wakeup.Type == "memory" {
		return queue.NewMemSignal(0), nil
	}
	switch cfg.Wakeup.Type {
	case "redis":
		return queue.NewRedisSignal(ctx, cfg.Wakeup.Addr, cfg.Wakeup.Password, cfg.Wakeup.DB, cfg.Wakeup.Channel)
	default:
		return nil, fmt.Errorf("不支持的唤醒信号类型: %s", cfg.Wakeup.Type)
	}
}

// Close 释放 Bootstrap 持有的资源。与初始化顺序相反。
func (b *Bootstrap) Close() error {
	var err error
	if b.Signal != nil {
		err = b.Signal.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
	return err
}
