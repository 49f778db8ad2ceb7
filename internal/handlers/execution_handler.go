package handlers

import (
	"net/http"

	"github.com/flowzap/flowzap-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type ExecutionHandler struct {
	engine *services.FlowEngineService
}

func NewExecutionHandler(engine *services.FlowEngineService) *ExecutionHandler {
	return &ExecutionHandler{engine: engine}
}

// GetExecution returns a read-only snapshot of one execution.
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	snapshot, err := h.engine.GetExecutionSnapshot(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ResetExecution rewinds an execution to its start node so the contact can
// run the flow again. This is the only path that clears a COMPLETED state.
func (h *ExecutionHandler) ResetExecution(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.ResetExecution(id); err != nil {
		logrus.Errorf("Failed to reset execution %s: %v", id, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type testFlowRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
}

// TestFlow starts a flow for a contact regardless of trigger matching,
// abandoning any live execution of the same pair first.
func (h *ExecutionHandler) TestFlow(c *gin.Context) {
	var req testFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contact_id is required"})
		return
	}

	execution, err := h.engine.StartFlowForTest(c.Request.Context(), c.Param("id"), req.ContactID)
	if err != nil {
		logrus.Errorf("Failed to start test run for flow %s: %v", c.Param("id"), err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"execution_id": execution.ID, "status": execution.Status})
}
