package controller

import (
	"strings"
	"time"

	"coldreach/models"
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"omitempty,max=100"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

type AuthResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

type AuthController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewAuthController(db *gorm.DB, logger *logrus.Entry) *AuthController {
	return &AuthController{DB: db, Logger: logger}
}

func (ac *AuthController) issue(c *fiber.Ctx, status int, user *models.User) error {
	token, expiresAt, err := utils.GenerateJWTToken(user)
	if err != nil {
		return respondError(c, err, "generate token")
	}
	return c.Status(status).JSON(AuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		User:        user,
	})
}

func (ac *AuthController) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "register")
	}
	email := services.NormalizeEmail(req.Email)

	var count int64
	if err := ac.DB.Model(&models.User{}).Where("LOWER(email) = ?", email).Count(&count).Error; err != nil {
		return respondError(c, err, "register")
	}
	if count > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Email already registered", nil)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return respondError(c, err, "hash password")
	}

	user := models.User{
		Email:        email,
		PasswordHash: string(hashedPassword),
		IsActive:     true,
		Timezone:     "UTC",
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		user.Name = &name
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown timezone '"+req.Timezone+"'", nil)
		}
		user.Timezone = req.Timezone
	}
	if err := ac.DB.Create(&user).Error; err != nil {
		return respondError(c, err, "create user")
	}

	utils.LogEvent("user_registered", map[string]interface{}{"user_id": user.ID})
	return ac.issue(c, fiber.StatusCreated, &user)
}

func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "log in")
	}

	var user models.User
	if err := ac.DB.Where("LOWER(email) = ?", services.NormalizeEmail(req.Email)).First(&user).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid email or password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid email or password", nil)
	}
	if !user.IsActive {
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Account is not active", nil)
	}
	return ac.issue(c, fiber.StatusOK, &user)
}

func (ac *AuthController) Me(c *fiber.Ctx) error {
	return c.JSON(currentUser(c))
}

// ChangePassword rotates the password and invalidates every issued token
func (ac *AuthController) ChangePassword(c *fiber.Ctx) error {
	var req ChangePasswordRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "change password")
	}
	user := currentUser(c)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid current password", nil)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return respondError(c, err, "hash password")
	}
	if err := ac.DB.Model(user).Updates(map[string]interface{}{
		"password_hash": string(hashedPassword),
		"token_version": gorm.Expr("token_version + 1"),
	}).Error; err != nil {
		return respondError(c, err, "change password")
	}
	if err := ac.DB.First(user, user.ID).Error; err != nil {
		return respondError(c, err, "change password")
	}
	return ac.issue(c, fiber.StatusOK, user)
}
