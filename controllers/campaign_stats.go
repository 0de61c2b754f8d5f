package controller

import (
	"github.com/gofiber/fiber/v2"
)

// GetCampaignProgress returns enrollment counts by status and the mean current step
func (cc *CampaignController) GetCampaignProgress(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch campaign progress")
	}
	progress, err := cc.Progress.SequenceProgress(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch campaign progress")
	}
	return c.JSON(progress)
}

// GetCampaignSummary returns progress plus send, open, click and reply rates
func (cc *CampaignController) GetCampaignSummary(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch campaign summary")
	}
	summary, err := cc.Progress.CampaignSummary(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch campaign summary")
	}
	return c.JSON(summary)
}
