package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"daq-plugin/internal/capability"
	"daq-plugin/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "校验配置与驱动清单后退出",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry := capability.NewRegistry()
	manager, err := buildDrivers(cfg, registry)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "插件:   %s (%s)\n", cfg.Plugin.Name, cfg.Plugin.Version)
	fmt.Fprintf(out, "队列:   %s\n", cfg.Queue.Driver)
	fmt.Fprintf(out, "存储:   %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "能力:   %d\n", registry.Len())
	bindings := manager.Bindings()
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s -> %s\n", name, bindings[name])
	}
	return nil
}
