package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	e:<generation>\x00<key>  -> gob(Entry)
//	g:<generation>           -> 空值，代际索引
const (
	levelEntryPrefix      = "e:"
	levelGenerationPrefix = "g:"
	levelKeySep           = "\x00"
)

func init() {
	gob.Register(http.Header{})
}

type levelStore struct {
	db *leveldb.DB
}

// NewLevelDBStore 打开（或创建）path 下的 leveldb 数据库。
func NewLevelDBStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

func levelEntryKey(locator Locator) []byte {
	return []byte(levelEntryPrefix + locator.Generation + levelKeySep + locator.Key)
}

func levelGenerationKey(generation string) []byte {
	return []byte(levelGenerationPrefix + generation)
}

func (s *levelStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(levelEntryKey(locator), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode leveldb entry: %w", err)
	}
	entry.Locator = locator
	entry.Header = cloneHeader(entry.Header)
	return &entry, nil
}

func (s *levelStore) Find(ctx context.Context, key string) (*Entry, error) {
	return findAcross(ctx, s, key)
}

func (s *levelStore) Put(ctx context.Context, entry Entry) error {
	return s.PutBatch(ctx, []Entry{entry})
}

func (s *levelStore) PutBatch(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		if err := validateLocator(entry.Locator); err != nil {
			return err
		}
		if entry.StoredAt.IsZero() {
			entry.StoredAt = time.Now().UTC()
		}
		raw, err := encodeGob(entry)
		if err != nil {
			return fmt.Errorf("encode leveldb entry: %w", err)
		}
		batch.Put(levelEntryKey(entry.Locator), raw)
		batch.Put(levelGenerationKey(entry.Locator.Generation), nil)
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	return s.db.Delete(levelEntryKey(locator), nil)
}

func (s *levelStore) Generations(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelGenerationPrefix)), nil)
	defer it.Release()

	var generations []string
	for it.Next() {
		generations = append(generations, string(bytes.TrimPrefix(it.Key(), []byte(levelGenerationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return generations, nil
}

func (s *levelStore) DropGeneration(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	prefix := []byte(levelEntryPrefix + generation + levelKeySep)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(levelGenerationKey(generation))
	return s.db.Write(batch, nil)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
