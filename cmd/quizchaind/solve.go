package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"QuizChain/internal/agent"
	"QuizChain/internal/quiz"
	"QuizChain/internal/task"
)

type solveOptions struct {
	email string
	url   string
}

func newSolveCmd(root *rootOptions) *cobra.Command {
	opts := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "在前台运行一条答题链并输出汇总",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSolve(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.email, "email", "", "提交时使用的身份 (必填)")
	cmd.Flags().StringVar(&opts.url, "url", "", "起始页面地址 (必填)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// runSolve 使用配置中的共享密钥构造身份，同步执行一次运行。
func runSolve(ctx context.Context, root *rootOptions, opts *solveOptions, out io.Writer) (err error) {
	if err := task.ValidateStartURL(opts.url); err != nil {
		return err
	}
	a, err := bootstrap(root)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()

	if err := os.MkdirAll(a.cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	journal, err := a.buildJournal(ctx)
	if err != nil {
		return err
	}
	runner, err := a.buildRunner(ctx, journal)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	a.log.Info("开始前台运行", zap.String("run_id", runID), zap.String("principal_id", opts.email), zap.String("start_url", opts.url))
	summary, runErr := runner.Run(ctx, agent.RunRequest{
		RunID:    runID,
		Identity: quiz.NewIdentity(opts.email, a.secrets.SharedSecret),
		StartURL: opts.url,
	})
	if summary != nil {
		if err := printJSON(out, summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("运行 %s 失败: %w", runID, runErr)
	}
	return nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
