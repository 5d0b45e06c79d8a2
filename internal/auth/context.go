package auth

import "context"

// AnonymousOperator 是未启用操作员令牌时审计日志记录的操作者。
const AnonymousOperator = "anonymous"

type subjectKey struct{}

// WithSubject 将中间件认证出的操作员写入请求上下文，nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回当前请求的操作员，未经过认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// OperatorName 返回写入审计日志的操作者名称。
func OperatorName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return AnonymousOperator
}
