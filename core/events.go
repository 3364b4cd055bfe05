package core

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ConfigEvent 配置变更事件，通过 websocket 推送给订阅者
// Lets dashboards (and, eventually, sibling instances) observe invalidations;
// delivery is best-effort.
type ConfigEvent struct {
	Type      string `json:"type"` // "invalidate"
	TenantID  uint   `json:"tenant_id"`
	Timestamp int64  `json:"timestamp"`
}

// EventHub 配置变更事件广播器 (线程安全)
type EventHub struct {
	logger *logrus.Logger
	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
}

func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		conns:  make(map[*websocket.Conn]bool),
	}
}

// Add 注册一个订阅连接，Hub 接管其生命周期
func (h *EventHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// NotifyInvalidate 广播租户失效事件
func (h *EventHub) NotifyInvalidate(tenantID uint) {
	h.Broadcast(ConfigEvent{
		Type:      "invalidate",
		TenantID:  tenantID,
		Timestamp: time.Now().Unix(),
	})
}

// Broadcast 向所有订阅者推送事件，写失败的连接直接摘除
func (h *EventHub) Broadcast(event ConfigEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debugf("eventhub: dropping subscriber: %v", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Close 关闭所有订阅连接
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}
