// Package messaging 提供分区、至少一次投递的消息总线抽象
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message 总线上的消息信封
//
// Key 决定分区（同一 Key 始终落在同一分区，保证分区内有序），
// Payload 为事件本身的 JSON。
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage 创建新消息，payload 按 JSON 编码
func NewMessage(messageType, key string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   data,
		Metadata:  make(map[string]string),
	}, nil
}

// Decode 将 Payload 解码到 v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has empty payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// GetMetadata 读取元数据
func (m *Message) GetMetadata(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// Clone 返回深拷贝，传输实现用它避免发布方与消费方共享底层切片
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
