package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sns45/better-call-claude/internal/bridge"
	"github.com/sns45/better-call-claude/internal/convo"
	"github.com/sns45/better-call-claude/internal/gateway"
)

// registerRoutes sets up all routes on the gin router. The worker and tools
// groups deliberately share handlers where the operations coincide; the
// split exists so either surface can grow independently.
func registerRoutes(router *gin.Engine, br *bridge.Bridge) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Gateway webhook intake: normalized events only.
	router.POST("/gateway/events", handleGatewayEvent(br))

	// Worker call-back surface.
	w := router.Group("/worker")
	w.POST("/ask", handleAsk(br))
	w.POST("/say", handleSay(br))
	w.POST("/reply", handleReply(br))
	w.POST("/send", handleSend(br))
	w.POST("/complete", handleComplete(br))
	w.POST("/wait", handleWait(br))

	// External tool-call surface.
	t := router.Group("/tools")
	t.POST("/initiate", handleInitiate(br))
	t.POST("/continue", handleAsk(br))
	t.POST("/speak", handleSay(br))
	t.POST("/end", handleEnd(br))
	t.POST("/receive", handleWait(br))
	t.POST("/send", handleSend(br))
	t.POST("/reply", handleReply(br))
	t.GET("/history/:id", handleHistory(br))
}

func handleGatewayEvent(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev gateway.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		br.HandleEvent(c.Request.Context(), ev)
		c.Status(http.StatusNoContent)
	}
}

type askRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
	TimeoutSec     int    `json:"timeout_sec"`
}

func handleAsk(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req askRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reply, err := br.ContinueConversation(c.Request.Context(), req.ConversationID, req.Text, seconds(req.TimeoutSec))
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	}
}

type sayRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
}

func handleSay(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := br.SpeakWithoutWaiting(c.Request.Context(), req.ConversationID, req.Text); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleReply(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := br.ReplyToConversation(c.Request.Context(), req.ConversationID, req.Text); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type sendRequest struct {
	Channel string `json:"channel" binding:"required"`
	Address string `json:"address" binding:"required"`
	Text    string `json:"text" binding:"required"`
}

func handleSend(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := br.SendOnChannel(c.Request.Context(), convo.Channel(req.Channel), req.Address, req.Text)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type completeRequest struct {
	TaskID  string `json:"task_id" binding:"required"`
	Summary string `json:"summary" binding:"required"`
}

func handleComplete(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := br.Complete(c.Request.Context(), req.TaskID, req.Summary); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type waitRequest struct {
	Channel    string `json:"channel"` // empty for any channel
	TimeoutSec int    `json:"timeout_sec"`
}

func handleWait(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req waitRequest
		// Every field is optional, so an empty body means "any channel,
		// default timeout".
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res := br.WaitForNextMessage(seconds(req.TimeoutSec), convo.Channel(req.Channel))
		if res == nil {
			c.JSON(http.StatusOK, gin.H{"reply": bridge.NoResponseFallback})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type initiateRequest struct {
	Channel    string `json:"channel" binding:"required"`
	Address    string `json:"address" binding:"required"`
	Text       string `json:"text" binding:"required"`
	Wait       bool   `json:"wait"`
	TimeoutSec int    `json:"timeout_sec"`
}

func handleInitiate(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := br.InitiateContact(c.Request.Context(), convo.Channel(req.Channel), req.Address, req.Text, req.Wait, seconds(req.TimeoutSec))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type endRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

func handleEnd(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req endRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		br.EndConversation(req.ConversationID)
		c.Status(http.StatusNoContent)
	}
}

func handleHistory(br *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := br.History(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, len(msgs))
		for i, m := range msgs {
			out[i] = gin.H{"role": m.Role, "content": m.Content, "timestamp": m.Timestamp}
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	}
}

// seconds converts a request timeout to a duration, 0 meaning "use default".
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
