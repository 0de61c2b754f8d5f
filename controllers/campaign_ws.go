package controller

import (
	"time"

	"coldreach/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const progressPushInterval = 3 * time.Second

// CampaignProgressUpgrade rejects non-websocket requests to the progress feed
func (cc *CampaignController) CampaignProgressUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "open progress feed")
	}
	if _, err := cc.Progress.SequenceProgress(currentUser(c).ID, id); err != nil {
		return respondError(c, err, "open progress feed")
	}
	c.Locals("campaign_id", id)
	return c.Next()
}

// HandleCampaignProgressWS pushes the campaign summary until the client disconnects or the
// campaign stops changing
func (cc *CampaignController) HandleCampaignProgressWS(conn *websocket.Conn) {
	defer conn.Close()

	user, _ := conn.Locals("user").(*models.User)
	campaignID, _ := conn.Locals("campaign_id").(uint)
	if user == nil || campaignID == 0 {
		return
	}
	log := cc.Logger.WithFields(map[string]interface{}{"campaign_id": campaignID, "user_id": user.ID})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()
	for {
		summary, err := cc.Progress.CampaignSummary(user.ID, campaignID)
		if err != nil {
			log.WithError(err).Warn("Progress feed stopped")
			_ = conn.WriteJSON(fiber.Map{"error": "Failed to fetch campaign progress"})
			return
		}
		if err := conn.WriteJSON(summary); err != nil {
			return
		}
		if summary.TotalLeads > 0 && summary.ActiveLeads == 0 {
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
