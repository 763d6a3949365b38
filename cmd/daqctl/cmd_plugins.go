package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "列出目录中存活的插件",
	RunE:  runPlugins,
}

func runPlugins(cmd *cobra.Command, _ []string) error {
	if globalFlags.directory == "" {
		return errors.New("需要通过 --directory 指定目录地址")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	dir, err := openDirectory(ctx)
	if err != nil {
		return err
	}
	defer dir.Close()
	entries, err := dir.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tADDRESS\tCAPABILITIES\tEXPIRES IN")
	for _, e := range entries {
		d := e.Descriptor
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", d.Name, d.Type, d.Address, d.Capabilities,
			time.Until(e.ExpiresAt).Truncate(time.Second))
	}
	return tw.Flush()
}
