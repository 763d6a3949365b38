package main

import (
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "列出插件及其声明的能力",
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	agg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer agg.Close()

	infos, err := agg.Refresh(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), infos)
}
