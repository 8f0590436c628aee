package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyOptions 描述共享缓存的连接参数。
type ValkeyOptions struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

type valkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore 连接 valkey/redis 并 PING 一次，多个实例可共享同一份引导缓存。
// 键布局：<prefix>:e:<generation>:<key> 存 JSON 条目，<prefix>:generations 为代际集合。
func NewValkeyStore(opts ValkeyOptions) (Store, error) {
	if opts.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "origin-shift"
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{opts.Address},
		Username:          opts.Username,
		Password:          opts.Password,
		SelectDB:          opts.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyStore{client: client, prefix: prefix}, nil
}

func (s *valkeyStore) entryKey(locator Locator) string {
	return s.prefix + ":e:" + locator.Generation + ":" + locator.Key
}

func (s *valkeyStore) generationsKey() string {
	return s.prefix + ":generations"
}

func (s *valkeyStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(locator)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	entry.Locator = locator
	entry.Header = cloneHeader(entry.Header)
	return &entry, nil
}

func (s *valkeyStore) Find(ctx context.Context, key string) (*Entry, error) {
	return findAcross(ctx, s, key)
}

func (s *valkeyStore) Put(ctx context.Context, entry Entry) error {
	return s.PutBatch(ctx, []Entry{entry})
}

func (s *valkeyStore) PutBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	cmds := make(valkey.Commands, 0, len(entries)*2)
	for _, entry := range entries {
		if err := validateLocator(entry.Locator); err != nil {
			return err
		}
		if entry.StoredAt.IsZero() {
			entry.StoredAt = time.Now().UTC()
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("cache: valkey marshal: %w", err)
		}
		cmds = append(cmds,
			s.client.B().Set().Key(s.entryKey(entry.Locator)).Value(string(payload)).Build(),
			s.client.B().Sadd().Key(s.generationsKey()).Member(entry.Locator.Generation).Build(),
		)
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey set: %w", err)
		}
	}
	return nil
}

func (s *valkeyStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.entryKey(locator)).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

func (s *valkeyStore) Generations(ctx context.Context) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.generationsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey smembers: %w", err)
	}
	return members, nil
}

func (s *valkeyStore) DropGeneration(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	pattern := s.prefix + ":e:" + escapeGlob(generation) + ":*"

	var cursor uint64
	for {
		scan, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: valkey scan: %w", err)
		}
		if len(scan.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(scan.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("cache: valkey del: %w", err)
			}
		}
		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}

	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.generationsKey()).Member(generation).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey srem: %w", err)
	}
	return nil
}

func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}

func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}
