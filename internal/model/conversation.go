package model

import "time"

// Turn 代表前端会话中的一轮消息，服务端只负责在结束时下发助手这一轮。
type Turn struct {
	Role           string    `json:"role"` // "user" 或 "assistant"
	Content        string    `json:"content"`
	SourceLabel    string    `json:"sourceLabel"`
	ContextExcerpt string    `json:"contextExcerpt"`
	Timestamp      time.Time `json:"timestamp"`
}
