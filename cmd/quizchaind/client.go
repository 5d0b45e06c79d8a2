package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"QuizChain/sdk/go/quizchain"
)

const (
	defaultServer        = "http://localhost:8080"
	defaultSecretEnv     = "QUIZCHAIN_SECRET"
	defaultOperatorToken = "QUIZCHAIN_OPERATOR_TOKEN"
)

// clientOptions 是访问远端服务的命令共享的参数。
type clientOptions struct {
	server   string
	tokenEnv string
	timeout  time.Duration
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	server := os.Getenv("QUIZCHAIN_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.Flags().StringVar(&o.server, "server", server, "QuizChain 服务地址")
	cmd.Flags().StringVar(&o.tokenEnv, "token-env", defaultOperatorToken, "保存运维令牌的环境变量")
	cmd.Flags().DurationVar(&o.timeout, "timeout", quizchain.DefaultHTTPTimeout, "单次请求超时")
}

func (o *clientOptions) client() (*quizchain.Client, error) {
	client, err := quizchain.NewClient(o.server, &http.Client{Timeout: o.timeout})
	if err != nil {
		return nil, err
	}
	if token := strings.TrimSpace(os.Getenv(o.tokenEnv)); o.tokenEnv != "" && token != "" {
		client.SetOperatorToken(token)
	}
	return client, nil
}

type triggerOptions struct {
	clientOptions
	email     string
	url       string
	secretEnv string
	wait      bool
	interval  time.Duration
}

func newTriggerCmd() *cobra.Command {
	opts := &triggerOptions{}
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "通过 POST /run 触发一次后台运行",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(os.Getenv(opts.secretEnv))
			if secret == "" {
				return fmt.Errorf("环境变量 %s 未设置共享密钥", opts.secretEnv)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			resp, err := client.Trigger(ctx, quizchain.TriggerRequest{Email: opts.email, Secret: secret, URL: opts.url})
			if err != nil {
				return err
			}
			if !opts.wait {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			run, err := client.WaitRun(ctx, resp.RunID, opts.interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.email, "email", "", "提交时使用的身份 (必填)")
	cmd.Flags().StringVar(&opts.url, "url", "", "起始页面地址 (必填)")
	cmd.Flags().StringVar(&opts.secretEnv, "secret-env", defaultSecretEnv, "保存共享密钥的环境变量")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "等待运行结束并输出最终状态")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "等待时的轮询间隔")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newStatusCmd() *cobra.Command {
	opts := &clientOptions{}
	var steps bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "查询运行状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if steps {
				records, err := client.Steps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			}
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&steps, "steps", false, "输出逐步记录而不是运行状态")
	return cmd
}

func newCancelCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "取消一个等待中或执行中的运行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				var apiErr *quizchain.APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
					return fmt.Errorf("运行 %s 已结束，无法取消: %w", args[0], err)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	opts.bind(cmd)
	return cmd
}
