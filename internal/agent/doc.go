// Package agent 实现问答链的核心编排：Agent 处理单个页面步骤
// （渲染、端点发现、确定性覆盖或决策-行动循环、提交），Runner 沿下一步地址
// 顺序驱动步骤直到链结束、停滞或被取消。
package agent
