package controller

import (
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProfileController manages sending profiles
type ProfileController struct {
	DB       *gorm.DB
	Logger   *logrus.Entry
	Profiles *services.ProfileService
}

func NewProfileController(db *gorm.DB, logger *logrus.Entry, sealer services.SecretSealer) *ProfileController {
	return &ProfileController{DB: db, Logger: logger, Profiles: services.NewProfileService(db, logger, sealer)}
}

func (pc *ProfileController) ListProfiles(c *fiber.Ctx) error {
	profiles, err := pc.Profiles.List(currentUser(c).ID)
	if err != nil {
		return respondError(c, err, "fetch sending profiles")
	}
	return c.JSON(profiles)
}

func (pc *ProfileController) CreateProfile(c *fiber.Ctx) error {
	var input services.ProfileInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "create sending profile")
	}
	profile, err := pc.Profiles.Create(currentUser(c).ID, input)
	if err != nil {
		return respondError(c, err, "create sending profile")
	}
	return c.Status(fiber.StatusCreated).JSON(profile)
}

func (pc *ProfileController) GetProfile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "fetch sending profile")
	}
	profile, err := pc.Profiles.Get(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "fetch sending profile")
	}
	return c.JSON(profile)
}

func (pc *ProfileController) UpdateProfile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "update sending profile")
	}
	var input services.ProfileUpdate
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err, "update sending profile")
	}
	profile, err := pc.Profiles.Update(currentUser(c).ID, id, input)
	if err != nil {
		return respondError(c, err, "update sending profile")
	}
	return c.JSON(profile)
}

func (pc *ProfileController) DeleteProfile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "delete sending profile")
	}
	if err := pc.Profiles.Delete(currentUser(c).ID, id); err != nil {
		return respondError(c, err, "delete sending profile")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Sending profile deleted successfully"}))
}

// SetDefaultProfile makes one profile the default and clears the flag on every other
func (pc *ProfileController) SetDefaultProfile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "set default sending profile")
	}
	profile, err := pc.Profiles.SetDefault(currentUser(c).ID, id)
	if err != nil {
		return respondError(c, err, "set default sending profile")
	}
	return c.JSON(profile)
}
