// Package loader 负责 checker 目录文件的加载与热更新。
package loader

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"quantflow/internal/checker"
	"quantflow/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CatalogSnapshot 对外暴露的只读快照。
type CatalogSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Catalog  *checker.Catalog
}

// IDs 返回快照中的策略 ID，按字典序。
func (s CatalogSnapshot) IDs() []string {
	if s.Catalog == nil {
		return nil
	}
	out := make([]string, 0, len(s.Catalog.Checkers))
	for id := range s.Catalog.Checkers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChangeListener 在目录变更时被调用。
type ChangeListener func(CatalogSnapshot)

// CatalogLoader 从 YAML 文件加载 checker 目录，可选监听文件变化。
type CatalogLoader struct {
	path string
	v    *viper.Viper
	now  func() time.Time

	mu        sync.RWMutex
	snapshot  CatalogSnapshot
	listeners []ChangeListener
}

// NewCatalogLoader 读取目录文件。watch 为 true 时通过 fsnotify 监听改动，
// 解析失败的改动会被丢弃，保留上一个有效快照。
func NewCatalogLoader(path string, watch bool) (*CatalogLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog loader requires path")
	}
	l := &CatalogLoader{path: path, now: time.Now}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	if !watch {
		return l, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read checker catalog failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := l.Reload(); err != nil {
			logger.Errorf("checker catalog reload failed (%s): %v", evt.Name, err)
			return
		}
		l.notify()
	})
	v.WatchConfig()
	l.v = v
	return l, nil
}

// Reload 重新解析文件并替换快照，不通知监听器。
func (l *CatalogLoader) Reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read checker catalog failed: %w", err)
	}
	cat, err := checker.ParseCatalog(raw)
	if err != nil {
		return err
	}
	cat.Path = l.path
	l.mu.Lock()
	l.snapshot = CatalogSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: l.now(),
		Catalog:  cat,
	}
	version := l.snapshot.Version
	l.mu.Unlock()
	logger.Infof("checker catalog v%d loaded %d strategies from %s", version, len(cat.Checkers), l.path)
	return nil
}

func (l *CatalogLoader) Path() string { return l.path }

func (l *CatalogLoader) Snapshot() CatalogSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Subscribe 注册监听器，只接收之后的变更。
func (l *CatalogLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *CatalogLoader) notify() {
	l.mu.RLock()
	snap := l.snapshot
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("checker catalog listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

// Registrar 是 checker 的注册目标。
type Registrar interface {
	Register(strategyID string, c checker.Checker) error
}

// RegistrarFunc 把普通函数（例如 engine.RegisterChecker）适配为 Registrar。
type RegistrarFunc func(strategyID string, c checker.Checker) error

func (f RegistrarFunc) Register(strategyID string, c checker.Checker) error {
	return f(strategyID, c)
}

// Bind 把当前快照注册到 reg，并在之后每次变更时重新注册。
// 从目录中删除的策略保留最后一次的 checker。
func (l *CatalogLoader) Bind(reg Registrar) error {
	snap := l.Snapshot()
	if err := snap.Catalog.RegisterAll(reg); err != nil {
		return err
	}
	l.Subscribe(func(next CatalogSnapshot) {
		if err := next.Catalog.RegisterAll(reg); err != nil {
			logger.Errorf("checker catalog v%d register failed: %v", next.Version, err)
			return
		}
		logger.Infof("checker catalog v%d applied: %v", next.Version, next.IDs())
	})
	return nil
}
