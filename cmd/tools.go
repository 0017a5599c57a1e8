package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/openreport/scout/config"
	"github.com/openreport/scout/internal/mcp"
)

// toolsCMD lists the tool server's advertised tools, mainly a connectivity
// check for deployments.
func toolsCMD() *cobra.Command {
	var cfgPath string
	var tools = &cobra.Command{
		Use:   "tools",
		Short: "List tools advertised by the configured tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			logger := log.New(log.Writer(), "[MCP] ", log.LstdFlags)
			client := mcp.NewClient(cfg.ToolServer.URL, logger,
				mcp.WithTimeouts(cfg.ToolServer.ConnectTimeout, cfg.ToolServer.CallTimeout))
			defer client.Close()

			ctx := context.Background()
			if err := client.Connect(ctx); err != nil {
				return err
			}
			if err := client.Initialize(ctx); err != nil {
				return err
			}

			invoker := mcp.NewInvoker(client, logger)
			list, err := invoker.ListTools(ctx)
			if err != nil {
				return err
			}
			for _, t := range list {
				fmt.Printf("%s\t%s\n", t.Name, t.Description)
			}
			return nil
		},
	}
	tools.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return tools
}
