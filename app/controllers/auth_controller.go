package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
)

// AuthController issues API keys for password and OAuth logins.
type AuthController struct {
	billing *billing.Service
}

func NewAuthController(svc *billing.Service) *AuthController {
	return &AuthController{billing: svc}
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"required,email,max=200"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// HandleRegister creates an account on the default plan and sends the
// verification email. The API key is issued on the first login after
// verification.
func (ac *AuthController) HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	account, err := ac.billing.Register(c.UserContext(), req.Name, req.Email, req.Password)
	if err != nil {
		return handleServiceError(c, err)
	}
	log.Infof("[Auth] Registered account %d", account.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"account":               account,
		"requires_verification": true,
		"message":               "Registration successful. Please check your email to verify your account.",
	})
}

// HandleVerifyEmail accepts the token from the emailed link (query) or a JSON body.
func (ac *AuthController) HandleVerifyEmail(c *fiber.Ctx) error {
	var req tokenRequest
	if c.Method() == fiber.MethodGet {
		req.Token = c.Query("token")
		if err := validate.Struct(&req); err != nil {
			return respondError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
		}
	} else if ok, err := parseBody(c, &req); !ok {
		return err
	}
	account, err := ac.billing.VerifyEmail(c.UserContext(), req.Token)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{"account": account, "message": "Email verified successfully"})
}

func (ac *AuthController) HandleResendVerification(c *fiber.Ctx) error {
	var req emailRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if err := ac.billing.ResendVerification(c.UserContext(), req.Email); err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Verification email sent"})
}

func (ac *AuthController) HandleForgotPassword(c *fiber.Ctx) error {
	var req emailRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if err := ac.billing.RequestPasswordReset(c.UserContext(), req.Email); err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Password reset email sent"})
}

// HandleResetPassword sets a new password. The account's API key is revoked.
func (ac *AuthController) HandleResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if err := ac.billing.ResetPassword(c.UserContext(), req.Token, req.NewPassword); err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Password reset successfully"})
}

// HandleLogin checks the credentials and rotates the API key.
func (ac *AuthController) HandleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	account, key, err := ac.billing.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(sessionResponse(account, key))
}

func sessionResponse(account *models.Account, key string) fiber.Map {
	return fiber.Map{
		"account": account,
		"api_key": key,
	}
}
