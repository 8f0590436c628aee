package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/origin-shift/internal/config"
)

// ServiceName 写入每条日志的 service 字段，多实例共享日志管道时用于区分来源。
const ServiceName = "origin-shift"

// defaultAction 用于没有显式 action 的日志，保证按 action 聚合时不会出现空值。
const defaultAction = "runtime"

// InitLogger 根据全局配置初始化 JSON 结构化日志：
// 文件输出交给 lumberjack 轮转，目录不可写时退回 stdout；
// 每条日志都带 service 与 action，debug 级别额外输出 caller（文件:行号）。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetReportCaller(level >= logrus.DebugLevel)
	logger.SetOutput(output)
	logger.SetFormatter(newFormatter())
	logger.AddHook(defaultFieldsHook{})

	// 第三方库若使用 logrus 标准 logger，也走同一套输出。
	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(logger.Out)
	std.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// parseLevel 接受大小写混用，空值视为 info。
func parseLevel(raw string) (logrus.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("无法解析日志级别: %w", err)
	}
	return level, nil
}

func newFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyFile: "caller",
		},
		CallerPrettyfier: func(frame *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		},
	}
}

// defaultFieldsHook 为每条日志补齐 service 与 action。
type defaultFieldsHook struct{}

func (defaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (defaultFieldsHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	if _, ok := entry.Data["action"]; !ok {
		entry.Data["action"] = defaultAction
	}
	return nil
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
