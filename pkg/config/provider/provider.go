// Package provider defines the config source abstraction consumed by
// pkg/config.Loader: file, Consul, or Zookeeper, each yielding raw bytes
// plus an optional change-notification channel. Consul and Zookeeper
// back clustered deployments where the simulation-record / scene-config
// source of truth is shared across replicas.
package provider

import (
	"context"
	"fmt"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile Type = "file"
	TypeConsul Type = "consul"
	TypeZookeeper Type = "zookeeper"
)

// ParseType converts a string to a Type, defaulting to file.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", fmt.Errorf("provider: unknown type %q", s)
	}
}

// Provider abstracts config sources. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Type returns the provider type for logging/debugging.
	Type() Type

	// Load reads raw config bytes from the source.
	Load(ctx context.Context) ([]byte, error)

	// Watch starts watching for changes and signals via the returned
	// channel. Returns a nil channel if the provider doesn't support
	// watching. Cancel ctx to stop watching.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Config configures provider creation.
type Config struct {
	Type Type
	Path string // file path, or key path for Consul/Zookeeper
	Endpoints []string // remote provider endpoints
}

// New builds a Provider from cfg.
func New(cfg Config) (Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("provider: path is required")
	}

	switch cfg.Type {
	case TypeFile, "":
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg.Endpoints, cfg.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg.Endpoints, cfg.Path)
	default:
		return nil, fmt.Errorf("provider: unknown type %q", cfg.Type)
	}
}
