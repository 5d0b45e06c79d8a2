// Package alerting 将运行结束与失败事件推送到 webhook 与 Redis 等外部渠道。
package alerting
