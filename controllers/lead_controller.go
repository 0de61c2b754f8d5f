package controller

import (
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type LeadController struct {
	DB       *gorm.DB
	Logger   *logrus.Entry
	Leads    *services.LeadService
	Importer *services.CSVImporter
}

func NewLeadController(db *gorm.DB, logger *logrus.Entry) *LeadController {
	return &LeadController{
		DB:       db,
		Logger:   logger,
		Leads:    services.NewLeadService(db, logger),
		Importer: services.NewCSVImporter(db, logger),
	}
}

// GetLeadsPaginated returns {items, total, page, per_page, total_pages, has_next, has_prev}
func (lc *LeadController) GetLeadsPaginated(c *fiber.Ctx) error {
	user := currentUser(c)
	filter := services.LeadFilter{
		Industry: c.Query("industry"),
		Company:  c.Query("company"),
		Status:   c.Query("status"),
		GroupID:  queryUint(c, "group_id"),
	}
	page, err := lc.Leads.List(user.ID, filter, pageRequest(c))
	if err != nil {
		return respondError(c, err, "fetch leads")
	}
	return c.JSON(page)
}

// GetIndustries lists distinct industries for the filter dropdown
func (lc *LeadController) GetIndustries(c *fiber.Ctx) error {
	industries, err := lc.Leads.Industries(currentUser(c).ID)
	if err != nil {
		return respondError(c, err, "fetch industries")
	}
	return c.JSON(utils.SuccessResponse(industries))
}

func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input services.LeadInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "create lead")
	}
	lead, err := lc.Leads.Create(currentUser(c).ID, input)
	if err != nil {
		return respondError(c, err, "create lead")
	}
	return c.Status(fiber.StatusCreated).JSON(lead)
}

// BulkCreateLeads accepts a JSON array of leads and reports {created, errors}
func (lc *LeadController) BulkCreateLeads(c *fiber.Ctx) error {
	var inputs []services.LeadInput
	if err := c.BodyParser(&inputs); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body, expected an array of leads", nil)
	}
	if len(inputs) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No leads provided", nil)
	}
	result, err := lc.Leads.BulkCreate(currentUser(c).ID, inputs)
	if err != nil {
		return respondError(c, err, "create leads")
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch lead")
	}
	lead, err := lc.Leads.Get(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch lead")
	}
	return c.JSON(lead)
}

func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "update lead")
	}
	var input services.LeadUpdate
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "update lead")
	}
	lead, err := lc.Leads.Update(currentUser(c).ID, id, input)
	if err != nil {
		return respondError(c, err, "update lead")
	}
	return c.JSON(lead)
}

func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "delete lead")
	}
	if err := lc.Leads.Delete(currentUser(c).ID, id); err != nil {
		return respondError(c, err, "delete lead")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Lead deleted successfully"}))
}

type csvPreviewRequest struct {
	CSVContent string `json:"csv_content" validate:"required"`
	HasHeader  *bool  `json:"has_header"`
}

// PreviewCSV parses an upload without writing anything
func (lc *LeadController) PreviewCSV(c *fiber.Ctx) error {
	var req csvPreviewRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "preview CSV")
	}
	hasHeader := req.HasHeader == nil || *req.HasHeader
	preview, err := lc.Importer.Preview(req.CSVContent, hasHeader)
	if err != nil {
		return respondError(c, err, "preview CSV")
	}
	return c.JSON(preview)
}

type csvUploadRequest struct {
	CSVContent        string            `json:"csv_content" validate:"required"`
	ColumnMapping     map[string]string `json:"column_mapping" validate:"required"`
	HasHeader         *bool             `json:"has_header"`
	GroupID           *uint             `json:"group_id"`
	NewGroupName      string            `json:"new_group_name" validate:"omitempty,max=100"`
	OverwriteExisting bool              `json:"overwrite_existing"`
}

// UploadCSV commits an import and reports {created, errors, skipped, total_processed}
func (lc *LeadController) UploadCSV(c *fiber.Ctx) error {
	var req csvUploadRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "import CSV")
	}
	result, err := lc.Importer.Commit(currentUser(c).ID, services.CommitRequest{
		CSVContent:        req.CSVContent,
		ColumnMapping:     req.ColumnMapping,
		HasHeader:         req.HasHeader == nil || *req.HasHeader,
		Group:             services.GroupTarget{GroupID: req.GroupID, NewGroupName: req.NewGroupName},
		OverwriteExisting: req.OverwriteExisting,
	})
	if err != nil {
		return respondError(c, err, "import CSV")
	}
	return c.JSON(result)
}
