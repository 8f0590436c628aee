package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/config"
	"github.com/any-hub/origin-shift/internal/logging"
	"github.com/any-hub/origin-shift/internal/metrics"
	"github.com/any-hub/origin-shift/internal/proxy"
	"github.com/any-hub/origin-shift/internal/server"
	"github.com/any-hub/origin-shift/internal/server/routes"
	"github.com/any-hub/origin-shift/internal/upstream"
	"github.com/any-hub/origin-shift/internal/version"
	"github.com/any-hub/origin-shift/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := configSummary(cfg, logging.BaseFields("check_config", opts.configPath))
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存 → worker（install/activate）→ Fiber server，
	// 保证第一个请求到达时实例已经就绪。
	store, err := cache.Open(cache.Options{
		Backend:     cfg.Global.CacheBackend,
		StoragePath: cfg.Global.StoragePath,
		Valkey: cache.ValkeyOptions{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		},
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer store.Close()

	recorder := metrics.NewRecorder(nil)
	manager, err := worker.New(worker.Options{
		Config:  cfg,
		Store:   store,
		Client:  upstream.NewClient(cfg.Global.UpstreamTimeout.DurationValue()),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := manager.Start(ctx, cfg.Global.Generation); err != nil {
		fmt.Fprintf(stdErr, "worker 启动失败: %v\n", err)
		return 1
	}

	fields := configSummary(cfg, logging.BaseFields("startup", opts.configPath))
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	watchConfig(ctx, opts.configPath, manager, logger)

	if err := startHTTPServer(cfg, manager, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("origin-shift", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ORIGIN_SHIFT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ORIGIN_SHIFT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func configSummary(cfg *config.Config, fields logrus.Fields) logrus.Fields {
	fields["source"] = cfg.Source.HostSummary()
	fields["target"] = cfg.Target.TargetOrigin()
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["generation"] = cfg.Global.Generation
	fields["assets"] = len(cfg.Source.Assets)
	return fields
}

// watchConfig 在配置文件的 Generation 变化时触发新一轮 install/activate，
// 其它字段的变化只记录日志，需重启生效。
func watchConfig(ctx context.Context, path string, manager *worker.Manager, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		fields := logging.BaseFields("reload", path)
		fields["generation"] = next.Global.Generation
		reloaded, err := manager.Reload(ctx, next.Global.Generation)
		switch {
		case err != nil:
			logger.WithFields(fields).WithError(err).Error("worker 更新失败")
		case reloaded:
			logger.WithFields(fields).Info("检测到新代际，worker 已更新")
		default:
			logger.WithFields(fields).Info("配置已变更，代际未变，其余修改需重启生效")
		}
	}, func(err error) {
		logger.WithFields(logging.BaseFields("reload", path)).WithError(err).Warn("配置重载失败，继续使用旧配置")
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("reload", path)).WithError(err).Warn("无法监听配置文件")
	}
}

func startHTTPServer(cfg *config.Config, manager *worker.Manager, recorder *metrics.Recorder, logger *logrus.Logger) error {
	app, err := buildApp(cfg, manager, recorder, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// buildApp 组装 catch-all 代理与 /-/ 诊断接口。
func buildApp(cfg *config.Config, manager *worker.Manager, recorder *metrics.Recorder, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(manager, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, manager, logger)
	routes.RegisterStateRoutes(app, manager)
	routes.RegisterMetricsRoutes(app, recorder.Handler())
	return app, nil
}
