package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"daq-plugin/internal/aggregator"
	"daq-plugin/internal/directory"
	"daq-plugin/internal/rpc"
)

var version = "dev"

var globalFlags struct {
	target     string
	token      string
	directory  string
	dirPass    string
	dirDB      int
	dirPrefix  string
	pluginType string
	timeout    time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "daqctl",
	Short: "采集插件命令行客户端",
	Long: `daqctl 通过 gRPC 调用单个采集插件，或者借助目录发现全部存活插件，
按能力把请求分发到对应插件并合并状态。`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&globalFlags.target, "target", envOr("DAQ_TARGET", "127.0.0.1:50051"), "插件 gRPC 地址，未指定 --directory 时使用")
	f.StringVar(&globalFlags.token, "token", os.Getenv("DAQ_TOKEN"), "Bearer 令牌")
	f.StringVar(&globalFlags.directory, "directory", os.Getenv("DAQ_DIRECTORY"), "Redis 目录地址，设置后通过目录发现插件")
	f.StringVar(&globalFlags.dirPass, "directory-password", "", "Redis 目录密码")
	f.IntVar(&globalFlags.dirDB, "directory-db", 0, "Redis 目录库编号")
	f.StringVar(&globalFlags.dirPrefix, "directory-prefix", "", "目录键前缀")
	f.StringVar(&globalFlags.pluginType, "type", "", "只纳入指定类型的插件")
	f.DurationVar(&globalFlags.timeout, "timeout", 30*time.Second, "单次命令的超时时间")

	rootCmd.AddCommand(infoCmd, acquireCmd, statusCmd, cancelCmd, waitCmd, pluginsCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), globalFlags.timeout)
}

func openDirectory(ctx context.Context) (*directory.RedisDirectory, error) {
	return directory.NewRedisDirectory(ctx, directory.RedisConfig{
		Address:  globalFlags.directory,
		Password: globalFlags.dirPass,
		DB:       globalFlags.dirDB,
		Prefix:   globalFlags.dirPrefix,
	})
}

// connect 返回覆盖目标插件的汇聚器：配置了目录时发现全部插件，否则只连接 --target。
func connect(ctx context.Context) (*aggregator.Aggregator, error) {
	dial := func(_ context.Context, entry directory.Entry) (aggregator.Plugin, error) {
		return rpc.Dial(entry.Descriptor.Address, rpc.WithToken(globalFlags.token))
	}
	if globalFlags.directory == "" {
		client, err := rpc.Dial(globalFlags.target, rpc.WithToken(globalFlags.token))
		if err != nil {
			return nil, err
		}
		return aggregator.New(map[string]aggregator.Plugin{globalFlags.target: client}), nil
	}

	dir, err := openDirectory(ctx)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	agg, err := aggregator.Discover(ctx, dir, dial, aggregator.ByType(globalFlags.pluginType))
	if err != nil {
		return nil, err
	}
	if len(agg.Plugins()) == 0 {
		_ = agg.Close()
		return nil, fmt.Errorf("目录中没有可用的插件")
	}
	return agg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
