package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"quantflow/internal/app"
	brcfg "quantflow/internal/config"
	"quantflow/internal/logger"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
)

func main() {
	// .env 中的 QUANTFLOW_* 覆盖配置文件，已存在的环境变量优先
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("读取 .env 失败: %v", err)
	}
	defaultPath := os.Getenv(brcfg.EnvPrefix + "_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	cfgPath := flag.String("config", defaultPath, "config file path")
	flag.Parse()

	cfg, err := brcfg.Load(*cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，checkers=%s）", cfg.App.Env, cfg.Strategies.CheckersPath)

	if stop, err := startProfiling(cfg.App); err != nil {
		log.Fatalf("启动 pyroscope 失败: %v", err)
	} else if stop != nil {
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

// startProfiling 在配置了 profiling_addr 时把 CPU/内存 profile 推到 pyroscope。
func startProfiling(cfg brcfg.AppConfig) (func(), error) {
	addr := strings.TrimSpace(cfg.ProfilingAddr)
	if addr == "" {
		return nil, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "quantflow",
		ServerAddress:   addr,
		Tags:            map[string]string{"env": cfg.Env},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ pyroscope 已启用: %s", addr)
	return func() { _ = profiler.Stop() }, nil
}
