package offline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MessageType 页面与 worker 之间的消息类型
type MessageType string

const (
	MsgSkipWaiting   MessageType = "SKIP_WAITING"
	MsgCacheUpdate   MessageType = "CACHE_UPDATE"
	MsgGetCacheStats MessageType = "GET_CACHE_STATS"
	MsgCacheStats    MessageType = "CACHE_STATS"
)

// Message 消息体
type Message struct {
	Type MessageType `json:"type"`
	URL  string      `json:"url,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// Client 接收 worker 回复的页面
type Client interface {
	ID() string
	PostMessage(msg Message)
}

// MailboxClient 把收到的消息保存起来，供调用方取走
type MailboxClient struct {
	id string

	mu       sync.Mutex
	messages []Message
}

// NewMailboxClient 创建带随机标识的客户端
func NewMailboxClient() *MailboxClient {
	return &MailboxClient{id: uuid.New().String()}
}

// ID 返回客户端标识
func (c *MailboxClient) ID() string {
	return c.id
}

// PostMessage 把消息放入信箱，等待 Drain 取走
func (c *MailboxClient) PostMessage(msg Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

// Drain 取走已收到的消息
func (c *MailboxClient) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.messages
	c.messages = nil
	return out
}

// HandleMessage 处理页面发来的控制消息。GET_CACHE_STATS 的结果以 CACHE_STATS 消息回复给 client。
func (r *Registration) HandleMessage(ctx context.Context, client Client, msg Message) error {
	switch msg.Type {
	case MsgSkipWaiting:
		return r.SkipWaiting(ctx)

	case MsgCacheUpdate:
		w := r.Controller()
		if w == nil {
			return NewWorkerError(ErrNoController, "no active worker")
		}
		if msg.URL == "" {
			return NewWorkerError(ErrUnknownMessage, "CACHE_UPDATE requires url")
		}
		return w.Update(ctx, msg.URL)

	case MsgGetCacheStats:
		w := r.Controller()
		if w == nil {
			return NewWorkerError(ErrNoController, "no active worker")
		}
		stats, err := w.CacheStats(ctx)
		if err != nil {
			return err
		}
		if client != nil {
			client.PostMessage(Message{Type: MsgCacheStats, Data: stats})
		}
		return nil

	default:
		return NewWorkerError(ErrUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}
