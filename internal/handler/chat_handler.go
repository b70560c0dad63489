package handler

import (
	"context"
	"doctrine-agent-go/internal/middleware"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/service"
	"doctrine-agent-go/pkg/log"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 问答连接。
type ChatHandler struct {
	agentService service.AgentService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(agentService service.AgentService) *ChatHandler {
	return &ChatHandler{agentService: agentService}
}

// wsInbound 是客户端发来的帧：{"query":"..."} 或 {"type":"stop"}。
type wsInbound struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// wsSession 保存单个连接的状态，同一时刻只处理一个问题。
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	busy    atomic.Bool
	stop    atomic.Bool
}

func (s *wsSession) send(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[ChatHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	// 连接断开时取消进行中的检索与生成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &wsSession{conn: conn}
	log.Infof("[ChatHandler] WebSocket 连接已建立, RequestID: %s", middleware.RequestID(c))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			return
		}

		var in wsInbound
		text := strings.TrimSpace(string(message))
		if strings.HasPrefix(text, "{") {
			if err := json.Unmarshal(message, &in); err != nil {
				_ = session.send(gin.H{"error": "Invalid message"})
				continue
			}
		} else {
			in.Query = text
		}

		if in.Type == "stop" {
			session.stop.Store(true)
			_ = session.send(gin.H{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
			})
			continue
		}

		if strings.TrimSpace(in.Query) == "" {
			_ = session.send(gin.H{"error": "Query is required"})
			continue
		}
		if !session.busy.CompareAndSwap(false, true) {
			_ = session.send(gin.H{"error": "A response is already in progress"})
			continue
		}
		session.stop.Store(false)
		go func(query string) {
			final := h.answer(ctx, session, query)
			// 先释放再发送最后一帧，客户端收到后即可发送下一个问题
			session.busy.Store(false)
			if final != nil {
				_ = session.send(final)
			}
		}(in.Query)
	}
}

// answer 处理一个问题：发送元数据帧和若干 chunk 帧，返回最后一帧（completion 或 error），连接已断开时返回 nil。
func (h *ChatHandler) answer(ctx context.Context, session *wsSession, query string) interface{} {
	requestID := uuid.NewString()
	answer, err := h.agentService.Ask(ctx, service.AgentRequest{RequestID: requestID, Query: query})
	if err != nil {
		msg := "Internal server error"
		if errors.Is(err, service.ErrQueryRequired) {
			msg = "Query is required"
		} else {
			log.Errorf("[ChatHandler] 处理问题失败, RequestID: %s, error: %v", requestID, err)
		}
		return gin.H{"error": msg}
	}
	defer answer.Close()

	if err := session.send(metadataLine{Type: "metadata", Data: answer.Metadata}); err != nil {
		return nil
	}

	status := "finished"
	for {
		if session.stop.Load() {
			status = "stopped"
			log.Infof("[ChatHandler] 客户端要求停止, RequestID: %s", requestID)
			break
		}
		token, err := answer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status = "error"
			_ = session.send(gin.H{"error": "AI服务暂时不可用，请稍后重试"})
			break
		}
		if err := session.send(gin.H{"chunk": token}); err != nil {
			return nil
		}
	}

	return completionFrame{
		Type:      "completion",
		Status:    status,
		Turn:      answer.Turn(),
		Timestamp: time.Now().UnixMilli(),
	}
}

type completionFrame struct {
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Turn      model.Turn `json:"turn"`
	Timestamp int64      `json:"timestamp"`
}
