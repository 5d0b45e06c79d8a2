package task

import (
	"context"
	"sync"
)

// Registry 记录本进程内正在执行的运行，用于把取消请求传递给对应的上下文。
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Track 为运行派生可取消的上下文，release 必须在运行结束后调用。
func (r *Registry) Track(parent context.Context, runID string) (ctx context.Context, release func()) {
	if r == nil {
		return parent, func() {}
	}
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel 取消本进程内正在执行的运行，返回该运行是否由本进程执行。
func (r *Registry) Cancel(runID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active 返回正在执行的运行数量。
func (r *Registry) Active() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
