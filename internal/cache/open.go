package cache

import (
	"fmt"
	"path/filepath"
)

// Options 选择缓存后端及其参数。
type Options struct {
	Backend     string
	StoragePath string
	Valkey      ValkeyOptions
}

// Open 按 Backend 构建 Store，整站复用一份实例。
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "fs":
		return NewFileStore(opts.StoragePath)
	case "leveldb":
		if opts.StoragePath == "" {
			return nil, fmt.Errorf("storage path required")
		}
		return NewLevelDBStore(filepath.Join(opts.StoragePath, "leveldb"))
	case "valkey":
		return NewValkeyStore(opts.Valkey)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", opts.Backend)
	}
}
