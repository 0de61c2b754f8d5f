package routes

import (
	controller "coldreach/controllers"
	"coldreach/config"
	"coldreach/middleware"
	"coldreach/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps carries the collaborators shared across route groups
type Deps struct {
	DB          *gorm.DB
	Dispatcher  *services.Dispatcher
	Sealer      services.SecretSealer
	Tracking    *services.TrackingService
	LimitStore  fiber.Storage
	TriggerRate int
}

var requestLog = logger.New(logger.Config{
	Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
})

func component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

func SetupAuthRoutes(app *fiber.App, deps Deps) {
	authController := controller.NewAuthController(deps.DB, component("auth"))

	auth := app.Group("/auth", requestLog)
	auth.Post("/register", authController.Register)
	auth.Post("/login", authController.Login)

	protectedAuth := auth.Group("", middleware.Protected(deps.DB))
	protectedAuth.Get("/me", authController.Me)
	protectedAuth.Post("/change-password", authController.ChangePassword)

	component("auth").Info("Authentication routes initialized")
}

func SetupTrackingRoutes(app *fiber.App, deps Deps) {
	trackingController := controller.NewTrackingController(deps.Tracking, component("tracking"))

	track := app.Group("/track")
	track.Get("/open/:tracking_id", trackingController.TrackOpen)
	track.Get("/click/:tracking_id", trackingController.TrackClick)
}

func SetupAPIRoutes(app *fiber.App, deps Deps) {
	leadController := controller.NewLeadController(deps.DB, component("lead"))
	groupController := controller.NewGroupController(deps.DB, component("group"))
	campaignController := controller.NewCampaignController(deps.DB, component("campaign"), deps.Dispatcher)
	profileController := controller.NewProfileController(deps.DB, component("sending_profile"), deps.Sealer)

	api := app.Group("/api", middleware.Protected(deps.DB), requestLog)

	// Lead routes
	lead := api.Group("/leads")
	lead.Get("/paginated", leadController.GetLeadsPaginated)
	lead.Get("/industries", leadController.GetIndustries)
	lead.Post("/", leadController.CreateLead)
	lead.Post("/bulk", leadController.BulkCreateLeads)
	lead.Post("/csv/preview", leadController.PreviewCSV)
	lead.Post("/csv/upload", leadController.UploadCSV)
	lead.Get("/:id", leadController.GetLead)
	lead.Put("/:id", leadController.UpdateLead)
	lead.Delete("/:id", leadController.DeleteLead)

	// Group routes
	group := api.Group("/groups")
	group.Get("/", groupController.ListGroups)
	group.Post("/", groupController.CreateGroup)
	group.Get("/:id", groupController.GetGroup)
	group.Put("/:id", groupController.UpdateGroup)
	group.Delete("/:id", groupController.DeleteGroup)
	group.Get("/:id/leads", groupController.GetGroupLeads)
	group.Post("/:id/leads", groupController.AddGroupLeads)
	group.Delete("/:id/leads", groupController.RemoveGroupLeads)

	// Campaign routes. /send must be registered before /:id.
	campaign := api.Group("/campaigns")
	campaign.Post("/send", middleware.SendTriggerLimiter(deps.TriggerRate, deps.LimitStore), campaignController.SendDueEmails)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)

	campaign.Post("/:id/steps", campaignController.AddStep)
	campaign.Put("/:id/steps/reorder", campaignController.ReorderSteps)
	campaign.Patch("/:id/steps/:step_id", campaignController.UpdateStep)
	campaign.Delete("/:id/steps/:step_id", campaignController.RemoveStep)

	for _, action := range []string{
		services.ActionActivate,
		services.ActionPause,
		services.ActionUnpause,
		services.ActionComplete,
		services.ActionArchive,
		services.ActionReactivate,
	} {
		handler := campaignController.ChangeStatus(action)
		campaign.Post("/:id/"+action, handler)
		campaign.Put("/:id/"+action, handler)
	}

	campaign.Get("/:id/leads", campaignController.GetCampaignLeads)
	campaign.Post("/:id/leads", campaignController.EnrollLeads)
	campaign.Delete("/:id/leads/:lead_id", campaignController.RemoveLead)
	campaign.Post("/:id/leads/:lead_id/replied", campaignController.MarkLeadReplied)
	campaign.Get("/:id/progress", campaignController.GetCampaignProgress)
	campaign.Get("/:id/summary", campaignController.GetCampaignSummary)
	campaign.Get("/:id/progress/ws", campaignController.CampaignProgressUpgrade, websocket.New(campaignController.HandleCampaignProgressWS))

	// Sending profile routes
	profile := api.Group("/sending-profiles")
	profile.Get("/", profileController.ListProfiles)
	profile.Post("/", profileController.CreateProfile)
	profile.Get("/:id", profileController.GetProfile)
	profile.Put("/:id", profileController.UpdateProfile)
	profile.Delete("/:id", profileController.DeleteProfile)
	profile.Post("/:id/default", profileController.SetDefaultProfile)

	component("api").Info("API routes initialized")
}

func SetupRoutes(app *fiber.App, deps Deps) {
	app.Use(middleware.RequestMetrics())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   config.AppConfig.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupAuthRoutes(app, deps)
	SetupTrackingRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
			"details": "The requested resource was not found",
		})
	})
}
