package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rls"
)

// DefaultRedisPolicyKey is the hash holding identity -> JSON policy.
const DefaultRedisPolicyKey = "rls:policies"

// RedisPolicySource keeps access policies in a single Redis hash.
type RedisPolicySource struct {
	client *redis.Client
	key    string
}

// NewRedisPolicySource uses DefaultRedisPolicyKey when key is empty.
func NewRedisPolicySource(client *redis.Client, key string) *RedisPolicySource {
	if key == "" {
		key = DefaultRedisPolicyKey
	}
	return &RedisPolicySource{client: client, key: key}
}

// Save validates every policy and writes them in one transaction.
func (r *RedisPolicySource) Save(ctx context.Context, policies ...*rls.AccessPolicy) error {
	var errs []error
	fields := make(map[string]any, len(policies))
	for _, p := range policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("%w: nil entry", rls.ErrInvalidPolicy))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		b, err := json.Marshal(p.Normalized())
		if err != nil {
			return err
		}
		fields[string(p.Identity)] = string(b)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, fields)
		return nil
	})
	return err
}

func (r *RedisPolicySource) Delete(ctx context.Context, id rls.Identity) error {
	return r.client.HDel(ctx, r.key, string(id)).Err()
}

// Load returns every policy in the hash ordered by identity. The hash field
// is authoritative for the identity.
func (r *RedisPolicySource) Load(ctx context.Context) ([]*rls.AccessPolicy, error) {
	res, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.key, err)
	}
	out := make([]*rls.AccessPolicy, 0, len(res))
	for id, raw := range res {
		p := &rls.AccessPolicy{}
		if err := json.Unmarshal([]byte(raw), p); err != nil {
			return nil, fmt.Errorf("policy %q: %w", id, err)
		}
		p.Identity = rls.Identity(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Store loads the hash and builds the immutable policy store from it.
func (r *RedisPolicySource) Store(ctx context.Context) (*rls.StaticPolicyStore, error) {
	policies, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	return rls.NewStaticPolicyStore(policies...)
}
