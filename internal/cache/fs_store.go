package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
	rootName   = "@root"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，布局为：
//
//	<basePath>/<generation>/<METHOD>/<path>[/__qs/<sha1>].body       # 正文
//	<basePath>/<generation>/<METHOD>/<path>[/__qs/<sha1>].meta.json  # 状态码与响应头
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(base + metaSuffix); err == nil && info.IsDir() {
		return nil, ErrNotFound
	}
	rawMeta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Entry{
		Locator:  locator,
		Status:   meta.Status,
		Header:   cloneHeader(meta.Header),
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Find(ctx context.Context, key string) (*Entry, error) {
	return findAcross(ctx, s, key)
}

func (s *fileStore) Put(ctx context.Context, entry Entry) error {
	if err := validateLocator(entry.Locator); err != nil {
		return err
	}
	unlock := s.lockEntry(entry.Locator)
	defer unlock()

	base, err := s.entryPath(entry.Locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(fileMeta{
		Key:      entry.Locator.Key,
		Status:   entry.Status,
		Header:   entry.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	// 正文先落盘，meta 最后 rename；Get 以 meta 是否存在判断条目完整。
	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(entry.Body)); err != nil {
		return err
	}
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (s *fileStore) PutBatch(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := s.Put(ctx, entry); err != nil {
			return fmt.Errorf("put %s: %w", entry.Locator.Key, err)
		}
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	base, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var generations []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			generations = append(generations, entry.Name())
		}
	}
	return generations, nil
}

func (s *fileStore) DropGeneration(ctx context.Context, generation string) error {
	dir, err := s.generationDir(generation)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locator.Generation + "::" + locator.Key
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationDir(generation string) (string, error) {
	if err := validateGeneration(generation); err != nil {
		return "", err
	}
	if generation == "." || generation == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidGeneration, generation)
	}
	return filepath.Join(s.basePath, generation), nil
}

// entryPath 返回不带后缀的条目路径，正文与 meta 通过后缀区分。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateLocator(locator); err != nil {
		return "", err
	}
	genDir, err := s.generationDir(locator.Generation)
	if err != nil {
		return "", err
	}

	method, rawPath, rawQuery := splitKey(locator.Key)
	rel := strings.TrimPrefix(path.Clean("/"+rawPath), "/")
	if rel == "" {
		rel = rootName
	}
	if rawQuery != "" {
		sum := sha1.Sum([]byte(rawQuery))
		rel = fmt.Sprintf("%s/__qs/%s", rel, hex.EncodeToString(sum[:]))
	}

	methodDir := filepath.Join(genDir, strings.ToUpper(method))
	filePath := filepath.Join(methodDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, methodDir) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
