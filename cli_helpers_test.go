package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存 buffer。
func useBufferWriters(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	outBuf, errBuf := &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = outBuf, errBuf

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return outBuf, errBuf
}

// configFixture 返回 internal/config/testdata 下的样例配置；go test 以包目录（仓库根）为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("无法定位配置样例目录: %v", err)
	}
	return path
}

// writeConfigFile 生成一份最小可用配置，extra 追加在全局段。
func writeConfigFile(t *testing.T, storage, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
LogLevel = "info"
StoragePath = %q
ListenPort = 5000
Generation = "v1"
%s

[Target]
Scheme = "https"
Host = "backend.example.com"

[Source]
Hosts = ["localhost", "127.0.0.1"]
Port = "5000"
Origin = "http://127.0.0.1:8080"
`, storage, extra)

	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
