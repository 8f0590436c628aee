package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// baseConfig 是能通过校验的最小配置；generation 为空时沿用默认值。
const baseConfig = `
Generation = %q
%s

[Target]
Host = "backend.example"

[Source]
Hosts = ["localhost"]
Origin = "http://127.0.0.1:8080"
`

func minimalConfig(generation, extra string) string {
	if generation == "" {
		generation = "v1"
	}
	return fmt.Sprintf(baseConfig, generation, extra)
}

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat("testdata"); err != nil {
		t.Fatalf("缺少 testdata 目录: %v", err)
	}
	return path
}

// writeTempConfig 写入临时 config.toml 并返回路径，目录随测试清理。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
