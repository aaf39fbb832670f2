package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/grading"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type gradeUpdatePayload struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Result      *float64             `json:"result"`
	Observation *grading.Observation `json:"observation"`
}

type packSummaryPayload struct {
	PackID        string `json:"packId"`
	TotalProps    int64  `json:"totalProps"`
	UngradedProps int64  `json:"ungradedProps"`
	Transitioned  bool   `json:"transitioned"`
	Notified      int    `json:"notified"`
	NotifyFailed  int    `json:"notifyFailed"`
	Error         string `json:"error,omitempty"`
}

type propOutcomePayload struct {
	ID           string `json:"id"`
	PackID       string `json:"packId,omitempty"`
	Status       string `json:"status,omitempty"`
	TakesSettled int64  `json:"takesSettled"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type gradeResponse struct {
	NotifiedCount  int                  `json:"notifiedCount"`
	PerPackSummary []packSummaryPayload `json:"perPackSummary"`
	Props          []propOutcomePayload `json:"props"`
}

func (h *httpHandler) handleGrade(c *gin.Context) {
	var request []gradeUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updates := make([]grading.GradeUpdate, 0, len(request))
	for _, item := range request {
		updates = append(updates, grading.GradeUpdate{
			PropID:      strings.TrimSpace(item.ID),
			Status:      packs.PropStatus(strings.TrimSpace(item.Status)),
			ResultValue: item.Result,
			Observation: item.Observation,
		})
	}

	report := h.grader.GradeProps(c.Request.Context(), updates)
	h.logger.Info("grading request applied",
		zap.String("admin", c.GetString(adminSubjectContextKey)),
		zap.Int("props", len(updates)),
		zap.Int("notified", report.NotifiedCount))

	response := gradeResponse{
		NotifiedCount:  report.NotifiedCount,
		PerPackSummary: make([]packSummaryPayload, 0, len(report.Packs)),
		Props:          make([]propOutcomePayload, 0, len(report.Props)),
	}
	for _, summary := range report.Packs {
		response.PerPackSummary = append(response.PerPackSummary, packSummaryPayload{
			PackID:        summary.PackID,
			TotalProps:    summary.TotalProps,
			UngradedProps: summary.UngradedProps,
			Transitioned:  summary.Transitioned,
			Notified:      summary.Notified,
			NotifyFailed:  summary.NotifyFailed,
			Error:         errorCode(summary.Err),
		})
	}
	for _, outcome := range report.Props {
		response.Props = append(response.Props, propOutcomePayload{
			ID:           outcome.PropID,
			PackID:       outcome.PackID,
			Status:       string(outcome.Status),
			TakesSettled: outcome.TakesSettled,
			Success:      outcome.Err == nil,
			Error:        errorCode(outcome.Err),
		})
	}
	c.JSON(http.StatusOK, response)
}
