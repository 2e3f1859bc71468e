// Copyright 2026 CasareRPA Authors
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string            `yaml:"provider"` // vault | k8s | env | memory
	Config   map[string]string `yaml:"config"`   // Provider-specific config
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	case "k8s":
		return NewK8sStore(K8sConfig{
			ServiceAccountPath: config.Config["service_account_path"],
			Namespace:          config.Config["namespace"],
			SecretsPath:        config.Config["secrets_path"],
		})
	default:
		return NewMemoryStore(), nil
	}
}

// Resolve 解析配置里的 secret 引用。支持三种形式：
//
//	env:NAME   环境变量
//	vault:key  配置的 Store（vault/k8s）里的 key
//	其余       字面量原样返回
//
// store 为 nil 时 vault: 引用报错，env:/字面量仍可用。
func Resolve(ctx context.Context, store Store, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		return NewEnvStore().Get(ctx, strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "vault:"):
		if store == nil {
			return "", fmt.Errorf("secret 引用 %q 需要配置 secret store", ref)
		}
		return store.Get(ctx, strings.TrimPrefix(ref, "vault:"))
	default:
		return ref, nil
	}
}
