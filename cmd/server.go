package cmd

import (
	"musicmashup/logger"
	"musicmashup/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动混音服务器",
	Long:  `启动 HTTP 服务器，提供上传、分轨、混音渲染 API 以及 /ws/session 预览会话`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	logger.Info("starting musicmashup server", logger.String("port", cfg.Port))
	return server.Start(cfg)
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
