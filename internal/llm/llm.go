package llm

import (
	"context"

	xerrors "QuizChain/internal/errors"
)

// Role 表示对话中消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是对话历史中的一条消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述发送给大模型的完整对话。
type Request struct {
	System   string
	Messages []Message
	// JSON 要求提供方尽量只返回 JSON 对象。
	JSON bool
}

// Response 是大模型返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 便于测试时以函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// RateLimited 构造统一的限流错误。
func RateLimited(provider string, cause error) error {
	return xerrors.Wrap(xerrors.CodeRateLimited, cause, provider+" 触发限流", xerrors.WithMetadata("provider", provider))
}

// IsRateLimited 判断错误是否来自提供方限流。
func IsRateLimited(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeRateLimited)
}
