package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "查询请求状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		agg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer agg.Close()
		st, err := agg.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "取消请求",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		agg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer agg.Close()
		if err := agg.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已提交取消: %s\n", args[0])
		return nil
	},
}

var waitInterval time.Duration

var waitCmd = &cobra.Command{
	Use:   "wait <request-id>",
	Short: "等待请求进入终态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		agg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer agg.Close()
		st, err := agg.WaitUntilTerminal(ctx, args[0], waitInterval)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

func init() {
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 500*time.Millisecond, "轮询间隔")
}
