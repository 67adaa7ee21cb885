package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"litechat-backend/internal/config"
	"litechat-backend/internal/keypool"
	"litechat-backend/internal/model"
	"litechat-backend/internal/utils"
	"litechat-backend/pkg/logger"
)

// DeltaFunc 增量回调。流式时每个文本片段调用一次，结束时以
// fragment=""、final=true 再调用一次；非流式时只调用一次（final=true）
type DeltaFunc func(fragment string, final bool)

type Result struct {
	Text     string
	Usage    model.Usage
	KeyIndex int
}

type Client struct {
	cfg        config.APIConfig
	pool       *keypool.Pool
	httpClient *http.Client
}

func NewClient(cfg config.APIConfig, pool *keypool.Pool) *Client {
	return &Client{
		cfg:        cfg,
		pool:       pool,
		httpClient: utils.NewHTTPClient(cfg.Timeout),
	}
}

// Complete 执行一次补全。从游标位置开始对密钥池做单轮遍历：
// 429推进游标换下一个密钥，其他非2xx记录错误后继续，成功后把游标
// 设到成功密钥的下一位。整池耗尽返回ErrAllKeysExhausted
func (c *Client) Complete(ctx context.Context, messages []model.ProviderMessage, onDelta DeltaFunc) (*Result, error) {
	keys, start := c.pool.Snapshot()
	if len(keys) == 0 {
		return nil, ErrNoAPIKeys
	}

	full := make([]model.ProviderMessage, 0, len(messages)+1)
	if c.cfg.SystemPrompt != "" {
		full = append(full, model.ProviderMessage{Role: model.RoleSystem, Content: c.cfg.SystemPrompt})
	}
	full = append(full, messages...)

	body, err := json.Marshal(model.CompletionRequest{
		Model:       c.cfg.Model,
		Messages:    full,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      c.cfg.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)

		res, err := c.tryKey(ctx, keys[idx], body, onDelta)
		if err == nil {
			res.KeyIndex = idx
			c.pool.SetCursor(idx + 1)
			return res, nil
		}

		// 取消不算密钥失败，直接向上传递
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		// 已有内容落地后中断，不再换键重试，部分内容随结果返回
		if errors.Is(err, ErrStreamInterrupted) {
			if res != nil {
				res.KeyIndex = idx
			}
			return res, err
		}

		if errors.Is(err, ErrRateLimited) {
			c.pool.SetCursor(idx + 1)
		}

		logger.Warnf("密钥[%d]请求失败: %v", idx, err)
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrAllKeysExhausted, lastErr)
}

func (c *Client) tryKey(ctx context.Context, key string, body []byte, onDelta DeltaFunc) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	if c.cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrRateLimited
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request failed: %s", readAPIError(resp))
	}

	if !c.cfg.Stream {
		var cr model.CompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
			return nil, fmt.Errorf("empty response from model")
		}

		res := &Result{Text: cr.Choices[0].Message.Content}
		if cr.Usage != nil {
			res.Usage = *cr.Usage
		}
		onDelta(res.Text, true)
		return res, nil
	}

	return c.readStream(ctx, resp.Body, onDelta)
}

// readStream 逐行读取 data: 帧。坏帧静默跳过，[DONE]或EOF视为正常结束。
// 每轮先检查ctx，保证取消后不再触发任何回调
func (c *Client) readStream(ctx context.Context, r io.Reader, onDelta DeltaFunc) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var usage model.Usage
	committed := false

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var frame model.StreamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}

		if frame.Usage != nil {
			usage = *frame.Usage
		}

		if len(frame.Choices) == 0 || frame.Choices[0].Delta == nil {
			continue
		}
		fragment := frame.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}

		content.WriteString(fragment)
		committed = true
		onDelta(fragment, false)
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if committed {
			return &Result{Text: content.String(), Usage: usage},
				fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	onDelta("", true)
	return &Result{Text: content.String(), Usage: usage}, nil
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// readAPIError 优先取服务端error.message，取不到时退回状态码
func readAPIError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var eb apiErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
			return eb.Error.Message
		}
	}
	return fmt.Sprintf("status=%d", resp.StatusCode)
}
