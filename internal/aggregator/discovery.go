package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"daq-plugin/internal/directory"
	"daq-plugin/pkg/logger"
)

// Lister 是目录的发现接口，directory.Client 即满足。
type Lister interface {
	List(ctx context.Context) ([]directory.Entry, error)
}

// Dialer 根据目录条目建立到插件的连接。
type Dialer func(ctx context.Context, entry directory.Entry) (Plugin, error)

// Filter 决定目录条目是否纳入汇聚，返回 false 的条目被跳过。
type Filter func(entry directory.Entry) bool

// ByType 只保留指定类型的插件。
func ByType(kind string) Filter {
	return func(e directory.Entry) bool {
		return kind == "" || e.Descriptor.Type == kind
	}
}

// Discover 从目录列出存活插件并逐个连接，连接失败的插件被跳过并记录日志。
func Discover(ctx context.Context, lister Lister, dial Dialer, filter Filter, opts ...Option) (*Aggregator, error) {
	entries, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("列出目录条目失败: %w", err)
	}
	log := logger.Named("aggregator")
	plugins := make(map[string]Plugin, len(entries))
	for _, entry := range entries {
		if filter != nil && !filter(entry) {
			continue
		}
		p, err := dial(ctx, entry)
		if err != nil {
			log.Warn("连接插件失败，跳过",
				slog.String("plugin", entry.Descriptor.Name),
				slog.String("address", entry.Descriptor.Address),
				slog.String("error", err.Error()))
			continue
		}
		plugins[entry.Descriptor.Name] = p
	}
	return New(plugins, opts...), nil
}
