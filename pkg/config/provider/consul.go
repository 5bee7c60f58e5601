package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulProvider reads config from a Consul KV key and polls it for
// changes using Consul's blocking-query index.
type ConsulProvider struct {
	client *consulapi.Client
	key    string

	cancel context.CancelFunc
}

// NewConsulProvider builds a provider reading key from the first
// endpoint's Consul agent.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("provider: consul endpoints are required")
	}
	if key == "" {
		return nil, fmt.Errorf("provider: consul key is required")
	}

	cfg := consulapi.DefaultConfig()
	cfg.Address = endpoints[0]
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: consul client: %w", err)
	}

	return &ConsulProvider{client: client, key: key}, nil
}

// Type implements Provider.
func (p *ConsulProvider) Type() Type { return TypeConsul }

// Load implements Provider.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV.Get(p.key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("provider: consul get %q: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("provider: consul key %q not found", p.key)
	}
	return pair.Value, nil
}

// Watch polls the Consul KV index using a blocking query, signaling on
// the returned channel whenever the modify index advances.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	ch := make(chan struct{}, 1)
	go p.pollLoop(watchCtx, ch)
	return ch, nil
}

func (p *ConsulProvider) pollLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pair, meta, err := p.client.KV.Get(p.key, (&consulapi.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  30 * time.Second,
		}).WithContext(ctx))
		if err != nil {
			slog.Error("consul watch error", "key", p.key, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		if meta != nil && meta.LastIndex != lastIndex {
			if lastIndex != 0 && pair != nil {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			lastIndex = meta.LastIndex
		}
	}
}

// Close implements Provider.
func (p *ConsulProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
