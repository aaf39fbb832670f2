package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response/>`

// handleInboundSMS always acknowledges with an empty TwiML response so the provider never retries.
func (h *httpHandler) handleInboundSMS(c *gin.Context) {
	defer c.Data(http.StatusOK, "application/xml", []byte(emptyTwiML))

	if err := c.Request.ParseForm(); err != nil {
		h.logger.Warn("inbound sms form unreadable", zap.Error(err))
		return
	}
	form := c.Request.PostForm

	if h.signatures != nil {
		params := make(map[string]string, len(form))
		for key := range form {
			params[key] = form.Get(key)
		}
		if !h.signatures.Validate(h.webhookURL, params, c.GetHeader(twilioSignatureHeader)) {
			h.logger.Warn("inbound sms signature rejected", zap.String("client_ip", c.ClientIP()))
			return
		}
	}

	result := h.conversations.HandleInbound(c.Request.Context(), conversations.InboundMessage{
		From:      form.Get("From"),
		To:        form.Get("To"),
		Body:      form.Get("Body"),
		MessageID: form.Get("MessageSid"),
	})
	h.logger.Debug("inbound sms handled", zap.String("outcome", string(result.Outcome)))

	switch result.Outcome {
	case conversations.OutcomeAdvanced, conversations.OutcomeCompleted:
		if result.PropID == "" {
			return
		}
		h.realtime.Publish(RealtimeMessage{
			PropID:    result.PropID,
			EventType: RealtimeEventTallyChanged,
			Timestamp: time.Now().UTC(),
		})
	}
}
