package cmd

import (
	"fmt"
	"sort"

	"musicmashup/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
	minioDelete bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和清理存储桶中的上传音频、分离音轨与渲染结果。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)
		store, err := storage.NewMinioStore(cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}
		ctx := cmd.Context()

		if minioDelete {
			if minioPrefix == "" {
				return fmt.Errorf("删除操作需要指定目录前缀")
			}
			n, err := store.RemovePrefix(ctx, minioPrefix)
			if err != nil {
				return fmt.Errorf("删除目录失败: %w", err)
			}
			fmt.Printf("已删除 %s 下的 %d 个对象\n", minioPrefix, n)
			return nil
		}

		objects, stats, err := store.List(ctx, minioPrefix)
		if err != nil {
			return fmt.Errorf("列出文件失败: %w", err)
		}
		if !minioStats {
			for _, o := range objects {
				fmt.Printf("%-60s %10s  %s\n", o.Key, storage.FormatSize(o.Size), o.LastModified.Format("2006-01-02 15:04:05"))
			}
		}

		fmt.Printf("\n对象总数: %d, 总大小: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		if !stats.LastModified.IsZero() {
			fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		usage := storage.UsageByPrefix(objects)
		prefixes := make([]string, 0, len(usage))
		for p := range usage {
			prefixes = append(prefixes, p)
		}
		sort.Strings(prefixes)
		for _, p := range prefixes {
			fmt.Printf("  %-10s %s\n", p+"/", storage.FormatSize(usage[p]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要删除的目录")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定前缀下的所有对象")

	minioCmd.Example = `  # 列出所有文件
  musicmashup minio

  # 只看分离出的音轨
  musicmashup minio -p "stems/"

  # 显示存储桶统计信息
  musicmashup minio -s

  # 删除某首歌的全部分轨
  musicmashup minio -d -p "stems/12/"`
}
