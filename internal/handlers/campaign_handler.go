package handlers

import (
	"net/http"

	"github.com/flowzap/flowzap-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type CampaignHandler struct {
	campaignService *services.CampaignService
}

func NewCampaignHandler(campaignService *services.CampaignService) *CampaignHandler {
	return &CampaignHandler{campaignService: campaignService}
}

// ImportLeads ingests a spreadsheet of leads into a campaign. Rows with an
// unusable phone number are skipped and counted, duplicates are ignored.
func (h *CampaignHandler) ImportLeads(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read file"})
		return
	}
	defer file.Close()

	result, err := h.campaignService.ImportLeadsFromExcel(c.Param("id"), file)
	if err != nil {
		logrus.Errorf("Failed to import leads into campaign %s: %v", c.Param("id"), err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}
