package main

import (
	"github.com/spf13/cobra"
)

// rootOptions 保存全局命令行参数。
type rootOptions struct {
	configPath string
}

// newRootCmd 构建命令树。未指定子命令时等同于 serve。
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "quizchaind",
		Short:         "QuizChain solves chains of quiz pages with a decision model",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径 (默认读取 $QUIZCHAIN_CONFIG 或 configs/quizchain.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newSolveCmd(opts),
		newTriggerCmd(),
		newStatusCmd(),
		newCancelCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API、运行处理器与指标服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}
