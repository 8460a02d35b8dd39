package app

import (
	"errors"
	"fmt"

	brcfg "quantflow/internal/config"
	"quantflow/internal/logger"
	"quantflow/internal/store/audit"
	"quantflow/internal/store/journal"
	apihttp "quantflow/internal/transport/http/api"
)

const auditBuffer = 1024

// Storage 持有可选的事件日志与仓位审计库，journal.enabled=false 时均为 nil。
type Storage struct {
	Journal *journal.Journal
	Audit   *audit.Log
}

func openStorage(cfg brcfg.JournalConfig) (*Storage, error) {
	if !cfg.Enabled {
		return &Storage{}, nil
	}
	j, err := journal.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化事件日志失败: %w", err)
	}
	a, err := audit.Open(cfg.AuditPath, auditBuffer)
	if err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("初始化仓位审计失败: %w", err)
	}
	logger.Infof("✓ 事件日志 %s，仓位审计 %s", cfg.Path, cfg.AuditPath)
	return &Storage{Journal: j, Audit: a}, nil
}

// journalLog 避免把 nil 指针装进接口。
func (s *Storage) journalLog() apihttp.EventLog {
	if s == nil || s.Journal == nil {
		return nil
	}
	return s.Journal
}

func (s *Storage) auditLog() apihttp.AuditLog {
	if s == nil || s.Audit == nil {
		return nil
	}
	return s.Audit
}

func (s *Storage) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	return errors.Join(errs...)
}

func buildHTTPServer(cfg brcfg.AppConfig, deps apihttp.ServerConfig) (*apihttp.Server, error) {
	deps.Addr = cfg.HTTPAddr
	server, err := apihttp.NewServer(deps)
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 接口失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}
