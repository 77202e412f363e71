package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fetch-vault/fetch-vault/internal/config"
	"github.com/fetch-vault/fetch-vault/internal/engine"
	"github.com/fetch-vault/fetch-vault/internal/fetcher"
	"github.com/fetch-vault/fetch-vault/internal/logging"
	"github.com/fetch-vault/fetch-vault/internal/server"
	"github.com/fetch-vault/fetch-vault/internal/version"
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

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["max_entries"] = cfg.MaxEntries
		fields["expiration_mode"] = cfg.Expiration.Mode
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 回源客户端 → 缓存引擎 → Fiber server”顺序，
	// 保证所有请求共享同一份索引与日志实例。
	eng, err := engine.New(
		engine.Policy{
			MaxEntries: cfg.MaxEntries,
			Expiration: cfg.Expiration.Policy(),
		},
		cfg.StoragePath,
		engine.Options{
			Fetcher:      fetcher.New(cfg),
			Logger:       logger,
			SingleFlight: cfg.SingleFlight,
		},
	)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["storage_path"] = cfg.StoragePath
	fields["max_entries"] = cfg.MaxEntries
	fields["expiration_mode"] = cfg.Expiration.Mode
	fields["entries"] = eng.Len()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("fetch-vault", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FETCH_VAULT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("FETCH_VAULT_CONFIG")
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

func startHTTPServer(cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Cache:  eng,
		Lister: eng,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.ListenPort))
}
