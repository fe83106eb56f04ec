// Package index maintains distributed set, list and state-bucket indexes in
// Redis so every process can see which swarms and runs are in which state.
//
// Writes are batched in pipelines. Pipelines are not transactions: concurrent
// writers to one key resolve last-writer-wins.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoClient is returned when the manager was built without a Redis client.
var ErrNoClient = errors.New("index: no redis client")

// Manager is the Redis index manager.
type Manager struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string][]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key prefix. Default "tierflow:index".
func WithPrefix(p string) Option { return func(m *Manager) { m.prefix = strings.TrimSuffix(p, ":") } }

// WithTTL expires every written key after ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option { return func(m *Manager) { m.ttl = ttl } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithStates declares the states of a namespace. UpdateStateIndex uses the
// declaration to heal drift when the prior state is unknown.
func WithStates(namespace string, states ...string) Option {
	return func(m *Manager) { m.states[namespace] = slices.Clone(states) }
}

// NewManager creates a manager on any go-redis client.
func NewManager(client redis.Cmdable, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: "tierflow:index",
		logger: slog.Default().With("component", "index"),
		states: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeclareStates replaces the declared states of namespace.
func (m *Manager) DeclareStates(namespace string, states ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[namespace] = slices.Clone(states)
}

// States returns the declared states of namespace.
func (m *Manager) States(namespace string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.states[namespace])
}

// Key returns the full Redis key for a logical key.
func (m *Manager) Key(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + ":" + key
}

// StateKey returns the Redis key of one state bucket.
func (m *Manager) StateKey(namespace, state string) string {
	return m.Key(namespace + ":state:" + state)
}

func (m *Manager) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
}

func (m *Manager) ready() error {
	if m.client == nil {
		return ErrNoClient
	}
	return nil
}

// AddToSet adds members to a set.
func (m *Manager) AddToSet(ctx context.Context, key string, members ...string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	full := m.Key(key)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, full, toArgs(members)...)
		m.expire(ctx, pipe, full)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: add to %s: %w", key, err)
	}
	return nil
}

// RemoveFromSet removes members from a set.
func (m *Manager) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if err := m.client.SRem(ctx, m.Key(key), toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("index: remove from %s: %w", key, err)
	}
	return nil
}

// SetMembers returns the members of a set in sorted order.
func (m *Manager) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	members, err := m.client.SMembers(ctx, m.Key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("index: members of %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Manager) IsMember(ctx context.Context, key, member string) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	ok, err := m.client.SIsMember(ctx, m.Key(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("index: is member of %s: %w", key, err)
	}
	return ok, nil
}

// PushToList appends values to a list. With maxLen > 0 the list keeps only
// the newest maxLen entries.
func (m *Manager) PushToList(ctx context.Context, key string, maxLen int64, values ...string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	full := m.Key(key)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, full, toArgs(values)...)
		if maxLen > 0 {
			pipe.LTrim(ctx, full, -maxLen, -1)
		}
		m.expire(ctx, pipe, full)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: push to %s: %w", key, err)
	}
	return nil
}

// ListRange returns list entries between start and stop inclusive.
func (m *Manager) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	vals, err := m.client.LRange(ctx, m.Key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("index: range of %s: %w", key, err)
	}
	return vals, nil
}

// UpdateStateIndex moves itemID into the next state bucket. When prev is a
// declared state the item is removed from that bucket only; otherwise it is
// removed from every other declared state. Everything runs in one pipeline.
func (m *Manager) UpdateStateIndex(ctx context.Context, namespace, itemID, prev, next string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if next == "" {
		return fmt.Errorf("index: empty target state for %s/%s", namespace, itemID)
	}

	declared := m.States(namespace)
	var stale []string
	switch {
	case prev == next:
	case prev != "" && slices.Contains(declared, prev):
		stale = []string{prev}
	default:
		for _, s := range declared {
			if s != next {
				stale = append(stale, s)
			}
		}
	}

	nextKey := m.StateKey(namespace, next)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range stale {
			pipe.SRem(ctx, m.StateKey(namespace, s), itemID)
		}
		pipe.SAdd(ctx, nextKey, itemID)
		m.expire(ctx, pipe, nextKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: move %s/%s to %s: %w", namespace, itemID, next, err)
	}
	m.logger.Debug("state index updated", "namespace", namespace, "item", itemID, "from", prev, "to", next)
	return nil
}

// ItemsInState lists the items in one state bucket.
func (m *Manager) ItemsInState(ctx context.Context, namespace, state string) ([]string, error) {
	return m.SetMembers(ctx, namespace+":state:"+state)
}

// CountByState returns the size of every declared state bucket.
func (m *Manager) CountByState(ctx context.Context, namespace string) (map[string]int64, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	declared := m.States(namespace)
	cmds := make(map[string]*redis.IntCmd, len(declared))
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range declared {
			cmds[s] = pipe.SCard(ctx, m.StateKey(namespace, s))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: count %s: %w", namespace, err)
	}
	out := make(map[string]int64, len(cmds))
	for s, cmd := range cmds {
		out[s] = cmd.Val()
	}
	return out, nil
}

// RemoveFromAllStates drops itemID from every declared state bucket.
func (m *Manager) RemoveFromAllStates(ctx context.Context, namespace, itemID string) error {
	if err := m.ready(); err != nil {
		return err
	}
	declared := m.States(namespace)
	if len(declared) == 0 {
		return nil
	}
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range declared {
			pipe.SRem(ctx, m.StateKey(namespace, s), itemID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: remove %s/%s: %w", namespace, itemID, err)
	}
	return nil
}

// ConsistencyReport is the result of ValidateIndexConsistency. Diff lists
// extra members as "+id" and missing ones as "-id".
type ConsistencyReport struct {
	Key        string   `json:"key"`
	Consistent bool     `json:"consistent"`
	Extra      []string `json:"extra,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Diff       []string `json:"diff,omitempty"`
}

// ValidateIndexConsistency compares the members of a set with expected.
func (m *Manager) ValidateIndexConsistency(ctx context.Context, key string, expected []string) (ConsistencyReport, error) {
	actual, err := m.SetMembers(ctx, key)
	if err != nil {
		return ConsistencyReport{}, err
	}

	want := make(map[string]bool, len(expected))
	for _, e := range expected {
		want[e] = true
	}
	have := make(map[string]bool, len(actual))
	report := ConsistencyReport{Key: key}
	for _, a := range actual {
		have[a] = true
		if !want[a] {
			report.Extra = append(report.Extra, a)
		}
	}
	for e := range want {
		if !have[e] {
			report.Missing = append(report.Missing, e)
		}
	}
	sort.Strings(report.Missing)

	for _, x := range report.Extra {
		report.Diff = append(report.Diff, "+"+x)
	}
	for _, x := range report.Missing {
		report.Diff = append(report.Diff, "-"+x)
	}
	report.Consistent = len(report.Diff) == 0
	if !report.Consistent {
		m.logger.Warn("index drift detected", "key", key, "extra", len(report.Extra), "missing", len(report.Missing))
	}
	return report, nil
}

func toArgs(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
