package llm

import "errors"

var (
	// ErrNoAPIKeys 密钥池为空，无法发起请求
	ErrNoAPIKeys = errors.New("no api keys configured")
	// ErrRateLimited 单个密钥被限流（429），在池内轮换恢复
	ErrRateLimited = errors.New("rate limited")
	// ErrAllKeysExhausted 整个密钥池都失败，携带最后一次错误
	ErrAllKeysExhausted = errors.New("all api keys exhausted")
	// ErrStreamInterrupted 已输出部分内容后流中断，部分内容随Result返回
	ErrStreamInterrupted = errors.New("stream interrupted")
)
