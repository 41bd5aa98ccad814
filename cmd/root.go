package cmd

import (
	"fmt"
	"os"

	"musicmashup/config"
	"musicmashup/logger"

	"github.com/spf13/cobra"
)

// quietLogs 标记占用终端的命令，日志只写文件
const quietLogs = "quiet-logs"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "musicmashup",
	Short: "musicmashup 多轨混音预览与导出服务",
	Long:  `上传音频、分离人声/伴奏，在浏览器或终端里同步预览多轨混音并渲染导出。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			Quiet:      cmd.Annotations[quietLogs] == "true",
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
