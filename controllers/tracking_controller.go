package controller

import (
	"encoding/base64"

	"coldreach/services"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// transparent 1x1 gif
var trackingPixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

type TrackingController struct {
	Logger   *logrus.Entry
	Tracking *services.TrackingService
}

func NewTrackingController(tracking *services.TrackingService, logger *logrus.Entry) *TrackingController {
	return &TrackingController{Logger: logger, Tracking: tracking}
}

// TrackOpen always serves the pixel; unknown ids are only logged
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	trackingID := c.Params("tracking_id")
	if err := tc.Tracking.RecordOpen(trackingID); err != nil && !services.IsNotFound(err) {
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Warn("Failed to record open")
	}
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(trackingPixel)
}

func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	trackingID := c.Params("tracking_id")
	target, err := tc.Tracking.RecordClick(trackingID, c.Query("url"))
	if err != nil {
		if !services.IsNotFound(err) || target == "" {
			return respondError(c, err, "track click")
		}
		// unknown tracking id: still send the reader on
	}
	return c.Redirect(target, fiber.StatusFound)
}
