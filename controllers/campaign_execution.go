package controller

import (
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
)

type enrollRequest struct {
	LeadIDs    []uint `json:"lead_ids"`
	GroupIDs   []uint `json:"group_ids"`
	SequenceID uint   `json:"sequence_id"`
}

// EnrollLeads adds leads, directly or through groups, to a campaign
func (cc *CampaignController) EnrollLeads(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "add leads to campaign")
	}
	var req enrollRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "add leads to campaign")
	}
	if req.SequenceID != 0 && req.SequenceID != id {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "sequence_id does not match the campaign in the path", nil)
	}
	result, err := cc.Enrollments.Enroll(currentUser(c).ID, id, services.EnrollRequest{LeadIDs: req.LeadIDs, GroupIDs: req.GroupIDs})
	if err != nil {
		return respondError(c, err, "add leads to campaign")
	}
	return c.JSON(utils.SuccessResponse(result))
}

// GetCampaignLeads pages the per-lead rollup, optionally filtered by ?status
func (cc *CampaignController) GetCampaignLeads(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch campaign leads")
	}
	page, err := cc.Enrollments.ListForSequence(currentUser(c).ID, id, c.Query("status"), pageRequest(c))
	if err != nil {
		return respondError(c, err, "fetch campaign leads")
	}
	return c.JSON(page)
}

// RemoveLead stops a lead's enrollment. Removing a finished enrollment succeeds without change.
func (cc *CampaignController) RemoveLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "remove lead from campaign")
	}
	leadID, err := paramID(c, "lead_id")
	if err != nil {
		return respondError(c, err, "remove lead from campaign")
	}
	enrollment, err := cc.Enrollments.Remove(currentUser(c).ID, id, leadID)
	if err != nil {
		return respondError(c, err, "remove lead from campaign")
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// MarkLeadReplied records a reply noticed outside the mailbox poller
func (cc *CampaignController) MarkLeadReplied(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "mark lead replied")
	}
	leadID, err := paramID(c, "lead_id")
	if err != nil {
		return respondError(c, err, "mark lead replied")
	}
	enrollment, err := cc.Enrollments.MarkRepliedForLead(currentUser(c).ID, id, leadID)
	if err != nil {
		return respondError(c, err, "mark lead replied")
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// SendDueEmails runs a dispatch sweep over the user's due enrollments. ?campaign_id narrows it.
func (cc *CampaignController) SendDueEmails(c *fiber.Ctx) error {
	user := currentUser(c)
	opts := services.SweepOptions{UserID: &user.ID, Trigger: services.TriggerManual}
	if campaignID := queryUint(c, "campaign_id"); campaignID != 0 {
		opts.SequenceID = &campaignID
	}
	result, err := cc.Dispatcher.Sweep(c.UserContext(), opts)
	if err != nil {
		return respondError(c, err, "send due emails")
	}
	return c.JSON(result)
}
