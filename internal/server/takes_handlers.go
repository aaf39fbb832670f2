package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type submitTakePayload struct {
	PropID   string `json:"propId"`
	Side     string `json:"side"`
	Identity string `json:"identity"`
}

type submitTakeResponse struct {
	Success    bool   `json:"success"`
	TakeID     string `json:"takeId"`
	SideACount int64  `json:"sideACount"`
	SideBCount int64  `json:"sideBCount"`
}

type tallyPayload struct {
	PropID     string `json:"propId"`
	SideACount int64  `json:"sideACount"`
	SideBCount int64  `json:"sideBCount"`
}

type identityTakePayload struct {
	PropID string  `json:"propId"`
	Side   string  `json:"side"`
	Result string  `json:"result"`
	Points float64 `json:"points"`
	Tokens float64 `json:"tokens"`
}

func (h *httpHandler) handleSubmitTake(c *gin.Context) {
	var request submitTakePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
		return
	}

	result, err := h.takes.Submit(c.Request.Context(), takes.SubmitRequest{
		PropID:   request.PropID,
		Side:     takes.Side(request.Side),
		Identity: request.Identity,
		Source:   takes.SourceWeb,
	})
	if err != nil {
		status, kind := classifyTakeError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("take submission failed", zap.String("prop_id", request.PropID), zap.Error(err))
		}
		c.JSON(status, gin.H{"success": false, "error": kind})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		PropID:    strings.TrimSpace(request.PropID),
		EventType: RealtimeEventTallyChanged,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, submitTakeResponse{
		Success:    true,
		TakeID:     result.TakeID,
		SideACount: result.SideACount,
		SideBCount: result.SideBCount,
	})
}

func classifyTakeError(err error) (int, string) {
	switch {
	case errors.Is(err, takes.ErrPropNotFound):
		return http.StatusNotFound, "prop_not_found"
	case errors.Is(err, takes.ErrPropNotOpen):
		return http.StatusConflict, "prop_not_open"
	case errors.Is(err, takes.ErrInvalidSide):
		return http.StatusBadRequest, "invalid_side"
	case errors.Is(err, takes.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid_identity"
	default:
		return http.StatusInternalServerError, "submit_failed"
	}
}

func (h *httpHandler) handleTally(c *gin.Context) {
	propID := c.Param("id")
	tally, err := h.takes.Tally(c.Request.Context(), propID)
	if err != nil {
		status, kind := classifyTakeError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("tally lookup failed", zap.String("prop_id", propID), zap.Error(err))
			kind = "tally_failed"
		}
		c.JSON(status, gin.H{"error": kind})
		return
	}
	c.JSON(http.StatusOK, tallyPayload{PropID: propID, SideACount: tally.SideACount, SideBCount: tally.SideBCount})
}

// handlePackTakes restores an identity's current selections for a pack.
func (h *httpHandler) handlePackTakes(c *gin.Context) {
	packID := c.Param("id")
	identity := strings.TrimSpace(c.Query("identity"))
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return
	}
	records, err := h.takes.LatestForPack(c.Request.Context(), identity, packID)
	if err != nil {
		h.logger.Error("identity takes lookup failed", zap.String("pack_id", packID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "takes_failed"})
		return
	}
	payload := make([]identityTakePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, identityTakePayload{
			PropID: record.PropID,
			Side:   string(record.Side),
			Result: string(record.Result),
			Points: record.Points,
			Tokens: record.Tokens,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packId": packID, "takes": payload})
}

// handleTallyStream emits the current tally, then a fresh tally after every change event.
func (h *httpHandler) handleTallyStream(c *gin.Context) {
	propID := c.Param("id")
	ctx := c.Request.Context()
	initial, err := h.takes.Tally(ctx, propID)
	if err != nil {
		status, kind := classifyTakeError(err)
		c.JSON(status, gin.H{"error": kind})
		return
	}

	stream, cleanup := h.realtime.Subscribe(ctx, propID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(RealtimeEventTallyChanged, tallyPayload{PropID: propID, SideACount: initial.SideACount, SideBCount: initial.SideBCount})
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream:
			if !ok {
				return
			}
			tally, err := h.takes.Tally(ctx, propID)
			if err != nil {
				h.logger.Warn("tally refresh failed", zap.String("prop_id", propID), zap.Error(err))
				continue
			}
			c.SSEvent(RealtimeEventTallyChanged, tallyPayload{PropID: propID, SideACount: tally.SideACount, SideBCount: tally.SideBCount})
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
		}
		c.Writer.Flush()
	}
}
