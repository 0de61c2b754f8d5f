package controller

import (
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type GroupController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Groups *services.GroupService
}

func NewGroupController(db *gorm.DB, logger *logrus.Entry) *GroupController {
	return &GroupController{DB: db, Logger: logger, Groups: services.NewGroupService(db, logger)}
}

func (gc *GroupController) ListGroups(c *fiber.Ctx) error {
	groups, err := gc.Groups.List(currentUser(c).ID)
	if err != nil {
		return respondError(c, err, "fetch groups")
	}
	return c.JSON(groups)
}

func (gc *GroupController) CreateGroup(c *fiber.Ctx) error {
	var input services.GroupInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "create group")
	}
	group, err := gc.Groups.Create(currentUser(c).ID, input)
	if err != nil {
		return respondError(c, err, "create group")
	}
	return c.Status(fiber.StatusCreated).JSON(group)
}

func (gc *GroupController) GetGroup(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch group")
	}
	group, err := gc.Groups.Get(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch group")
	}
	return c.JSON(group)
}

func (gc *GroupController) UpdateGroup(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "update group")
	}
	var input services.GroupUpdate
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "update group")
	}
	group, err := gc.Groups.Update(currentUser(c).ID, id, input)
	if err != nil {
		return respondError(c, err, "update group")
	}
	return c.JSON(group)
}

func (gc *GroupController) DeleteGroup(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "delete group")
	}
	if err := gc.Groups.Delete(currentUser(c).ID, id); err != nil {
		return respondError(c, err, "delete group")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Group deleted successfully"}))
}

// GetGroupLeads pages through a group's members
func (gc *GroupController) GetGroupLeads(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch group leads")
	}
	page, err := gc.Groups.Members(currentUser(c).ID, id, pageRequest(c))
	if err != nil {
		return respondError(c, err, "fetch group leads")
	}
	return c.JSON(page)
}

type membershipRequest struct {
	LeadIDs []uint `json:"lead_ids" validate:"required,min=1"`
}

func (gc *GroupController) AddGroupLeads(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "add leads to group")
	}
	var req membershipRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "add leads to group")
	}
	result, err := gc.Groups.AddLeads(currentUser(c).ID, id, req.LeadIDs)
	if err != nil {
		return respondError(c, err, "add leads to group")
	}
	return c.JSON(result)
}

func (gc *GroupController) RemoveGroupLeads(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "remove leads from group")
	}
	var req membershipRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "remove leads from group")
	}
	result, err := gc.Groups.RemoveLeads(currentUser(c).ID, id, req.LeadIDs)
	if err != nil {
		return respondError(c, err, "remove leads from group")
	}
	return c.JSON(result)
}
