package worker

import (
	"errors"
	"strings"
)

// MessageType 是页面发给 worker 的控制消息类型。
type MessageType string

const (
	MessageEnableRedirect  MessageType = "enable-redirect"
	MessageDisableRedirect MessageType = "disable-redirect"
)

// Message 对应 {"type": "..."} 控制消息。
type Message struct {
	Type string `json:"type"`
}

// ErrUnknownMessage 表示无法识别的消息类型，调用方通常只记录日志。
var ErrUnknownMessage = errors.New("unknown control message")

// ParseMessageType 忽略大小写，并接受 ENABLE_REDIRECT 这类下划线写法。
func ParseMessageType(raw string) (MessageType, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	switch MessageType(normalized) {
	case MessageEnableRedirect, MessageDisableRedirect:
		return MessageType(normalized), true
	}
	return "", false
}
