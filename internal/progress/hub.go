// Package progress 实现了会话进度事件的发布/订阅中心。
// 投递是尽力而为、每连接至多一次：事件不缓冲、不回放，
// 晚到的订阅者收不到历史事件。进度只是建议性数据，
// 权威状态始终可以通过 Session Store 查询。
package progress

import (
	"sync"

	"mediapipeline-go/pkg/log"
)

// EventType 表示进度事件的类型。
type EventType string

const (
	EventCreated  EventType = "created"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event 是分发给订阅者的进度事件。只存在于传输途中，从不持久化。
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	BytesSent int64     `json:"bytes_sent"`
	TotalSize int64     `json:"total_size"`
	Message   string    `json:"message,omitempty"`
}

// subscriberBuffer 是每个订阅者通道的缓冲大小。
// 消费过慢导致缓冲占满时，后续事件对该订阅者直接丢弃。
const subscriberBuffer = 16

// Subscriber 是一个活跃的订阅句柄。事件经由 C 按发布顺序到达。
type Subscriber struct {
	C         chan Event
	sessionID string
}

// Hub 维护 sessionId 到活跃订阅者集合的注册表。
// Subscribe/Unsubscribe 是仅有的两个修改入口，发布期间由读写锁
// 保护注册表不被并发修改。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

// NewHub 创建一个新的进度事件中心。
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe 为指定会话注册一个订阅者，生命周期由调用方控制。
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		C:         make(chan Event, subscriberBuffer),
		sessionID: sessionID,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sessionID] == nil {
		h.subscribers[sessionID] = make(map[*Subscriber]struct{})
	}
	h.subscribers[sessionID][sub] = struct{}{}
	return sub
}

// Unsubscribe 注销订阅者并关闭其通道。
// 这只是本地资源释放，对会话本身和其他订阅者没有任何副作用。
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sub.sessionID)
	}
	// 发布持有读锁，与这里的写锁互斥，此时关闭通道不会与发送竞争
	close(sub.C)
}

// Publish 向会话的所有在线订阅者分发一个事件。
// 没有订阅者时是空操作；单个订阅者缓冲占满只丢弃它自己的事件，
// 不影响发布方和其他订阅者。
func (h *Hub) Publish(sessionID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[sessionID] {
		select {
		case sub.C <- event:
		default:
			log.Warnf("订阅者消费过慢，丢弃进度事件: session=%s, type=%s", sessionID, event.Type)
		}
	}
}

// SubscriberCount 返回会话当前的在线订阅者数量。
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
