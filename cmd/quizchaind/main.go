package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"QuizChain/pkg/logger"
)

// main 是 quizchaind 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "quizchaind 运行失败: %v\n", err)
		os.Exit(1)
	}
}
