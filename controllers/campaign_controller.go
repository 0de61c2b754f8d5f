package controller

import (
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB          *gorm.DB
	Logger      *logrus.Entry
	Sequences   *services.SequenceService
	Enrollments *services.EnrollmentService
	Progress    *services.ProgressService
	Dispatcher  *services.Dispatcher
}

func NewCampaignController(db *gorm.DB, logger *logrus.Entry, dispatcher *services.Dispatcher) *CampaignController {
	progress := services.NewProgressService(db)
	return &CampaignController{
		DB:          db,
		Logger:      logger,
		Sequences:   services.NewSequenceService(db, logger, progress),
		Enrollments: services.NewEnrollmentService(db, logger),
		Progress:    progress,
		Dispatcher:  dispatcher,
	}
}

// GetCampaigns lists campaigns with their rollups. Archived campaigns need ?include_archived=true or ?status=archived.
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	filter := services.SequenceFilter{
		Status:          c.Query("status"),
		IncludeArchived: c.QueryBool("include_archived", false),
	}
	page, err := cc.Sequences.List(currentUser(c).ID, filter, pageRequest(c))
	if err != nil {
		return respondError(c, err, "fetch campaigns")
	}
	return c.JSON(page)
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	var input services.SequenceInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "create campaign")
	}
	seq, err := cc.Sequences.Create(currentUser(c).ID, input)
	if err != nil {
		return respondError(c, err, "create campaign")
	}
	utils.LogEvent("campaign_created", map[string]interface{}{"user_id": seq.UserID, "campaign_id": seq.ID, "steps": len(seq.Steps)})
	return c.Status(fiber.StatusCreated).JSON(seq)
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch campaign")
	}
	seq, err := cc.Sequences.Get(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch campaign")
	}
	return c.JSON(seq)
}

func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "update campaign")
	}
	var input services.SequenceUpdate
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "update campaign")
	}
	seq, err := cc.Sequences.Update(currentUser(c).ID, id, input)
	if err != nil {
		return respondError(c, err, "update campaign")
	}
	return c.JSON(seq)
}

func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "delete campaign")
	}
	if err := cc.Sequences.Delete(currentUser(c).ID, id); err != nil {
		return respondError(c, err, "delete campaign")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Campaign deleted successfully"}))
}

type addStepRequest struct {
	services.StepInput
	Position int `json:"position" validate:"gte=0"`
}

// AddStep inserts a step at position (1-based); 0 appends
func (cc *CampaignController) AddStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "add step")
	}
	var req addStepRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "add step")
	}
	seq, err := cc.Sequences.AddStep(currentUser(c).ID, id, req.StepInput, req.Position)
	if err != nil {
		return respondError(c, err, "add step")
	}
	return c.Status(fiber.StatusCreated).JSON(seq)
}

func (cc *CampaignController) UpdateStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "update step")
	}
	stepID, err := paramID(c, "step_id")
	if err != nil {
		return respondError(c, err, "update step")
	}
	var input services.StepUpdate
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "update step")
	}
	step, err := cc.Sequences.UpdateStep(currentUser(c).ID, id, stepID, input)
	if err != nil {
		return respondError(c, err, "update step")
	}
	return c.JSON(step)
}

func (cc *CampaignController) RemoveStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "remove step")
	}
	stepID, err := paramID(c, "step_id")
	if err != nil {
		return respondError(c, err, "remove step")
	}
	seq, err := cc.Sequences.RemoveStep(currentUser(c).ID, id, stepID)
	if err != nil {
		return respondError(c, err, "remove step")
	}
	return c.JSON(seq)
}

type reorderRequest struct {
	StepIDs []uint `json:"step_ids" validate:"required,min=1"`
}

func (cc *CampaignController) ReorderSteps(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "reorder steps")
	}
	var req reorderRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "reorder steps")
	}
	seq, err := cc.Sequences.ReorderSteps(currentUser(c).ID, id, req.StepIDs)
	if err != nil {
		return respondError(c, err, "reorder steps")
	}
	return c.JSON(seq)
}

// ChangeStatus handles activate, pause, unpause, complete, archive and reactivate
func (cc *CampaignController) ChangeStatus(action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return respondError(c, err, action+" campaign")
		}
		seq, err := cc.Sequences.Transition(currentUser(c).ID, id, action)
		if err != nil {
			return respondError(c, err, action+" campaign")
		}
		return c.JSON(utils.SuccessResponse(seq))
	}
}
