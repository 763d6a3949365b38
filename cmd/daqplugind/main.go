package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "daqplugind",
	Short: "数据采集插件守护进程",
	Long:  "daqplugind 加载驱动清单，对外提供 gRPC 与 REST 采集接口，并在目录服务中保持注册。",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

var configPath string

func init() {
	defaultPath := os.Getenv("DAQ_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/daq.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "配置文件路径，为空时仅读取 DAQ_ 环境变量")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
