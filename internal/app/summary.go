package app

import (
	"fmt"
	"io"
	"sort"
	"strings"

	brcfg "quantflow/internal/config"
	cfgloader "quantflow/internal/config/loader"
	"quantflow/internal/logger"
	"quantflow/internal/strategy"
)

type StartupSummary struct {
	Connections []ConnectionSummary
	Consumers   []ConsumerSummary
	Strategies  []string
	Checkers    []string
	CatalogPath string
	Preheated   int
	HTTPAddr    string
	Journal     string
}

type ConnectionSummary struct {
	ID   string
	Tags []string
}

type ConsumerSummary struct {
	Name    string
	Mode    string
	Enabled bool
}

func newStartupSummary(cfg *brcfg.Config, stack *MarketStack, c *core, calc *strategy.Calculator, catalog *cfgloader.CatalogLoader) *StartupSummary {
	s := &StartupSummary{
		Preheated: stack.Preheated,
		HTTPAddr:  cfg.App.HTTPAddr,
		Checkers:  c.engine.Strategies(),
		Journal:   "-",
	}
	for _, conn := range stack.Registry.Connections() {
		s.Connections = append(s.Connections, ConnectionSummary{ID: conn.ID, Tags: conn.Tags})
	}
	for _, st := range c.engine.Consumers() {
		s.Consumers = append(s.Consumers, ConsumerSummary{Name: st.Name, Mode: st.Mode, Enabled: st.Enabled})
	}
	for _, st := range calc.Strategies() {
		s.Strategies = append(s.Strategies, fmt.Sprintf("%s@%s", st.ID(), st.Interval()))
	}
	sort.Strings(s.Strategies)
	if catalog != nil {
		s.CatalogPath = catalog.Path()
	}
	if cfg.Journal.Enabled {
		s.Journal = cfg.Journal.Path
	}
	return s
}

// Print 写入日志，随日志文件一同落盘。
func (s *StartupSummary) Print() {
	var b strings.Builder
	s.Fprint(&b)
	logger.InfoBlock(b.String())
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[行情连接 (MARKET CONNECTIONS)]")
	if len(s.Connections) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, conn := range s.Connections {
		fmt.Fprintf(w, "  > %s  tags: %s\n", conn.ID, formatList(conn.Tags))
	}
	fmt.Fprintf(w, "  预热 K 线: %d\n", s.Preheated)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[处理 consumer (CONSUMERS)]")
	for _, c := range s.Consumers {
		state := "enabled"
		if !c.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "  > %-12s mode=%s %s\n", c.Name, c.Mode, state)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[策略与校验 (STRATEGIES & CHECKERS)]")
	fmt.Fprintf(w, "  指标策略: %s\n", formatList(s.Strategies))
	fmt.Fprintf(w, "  已注册策略: %s\n", formatList(s.Checkers))
	if s.CatalogPath != "" {
		fmt.Fprintf(w, "  checker 目录: %s\n", s.CatalogPath)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "[HTTP] %s  [事件日志] %s\n", s.HTTPAddr, s.Journal)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
