package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// consulWaitTime bounds each blocking query; consul returns early when
// the key's ModifyIndex moves past the index we last saw.
const consulWaitTime = 5 * time.Minute

// ConsulProvider reads config from a consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	kv   *api.KV
	path string
}

func NewConsulProvider(endpoints []string, path string) (*ConsulProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("consul key path is required")
	}

	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}
	return &ConsulProvider{kv: client.KV(), path: path}, nil
}

func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.kv.Get(p.path, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("reading consul key %s: %w", p.path, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s does not exist", p.path)
	}
	return pair.Value, nil
}

func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for ctx.Err() == nil {
		opts := &api.QueryOptions{WaitIndex: lastIndex, WaitTime: consulWaitTime}
		pair, meta, err := p.kv.Get(p.path, opts.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("consul watch query failed", "key", p.path, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if meta == nil || meta.LastIndex == lastIndex {
			continue
		}
		first := lastIndex == 0
		lastIndex = meta.LastIndex
		if first || pair == nil {
			// First query just establishes the index; a nil pair
			// means the key vanished, which Load will report.
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
