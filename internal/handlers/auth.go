package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/config"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/utils"
)

const refreshCookie = "refresh_token"

// AuthHandler handles authentication-related requests.
type AuthHandler struct {
	DB  *gorm.DB
	Cfg *config.Config
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(db *gorm.DB, cfg *config.Config) *AuthHandler {
	return &AuthHandler{DB: db, Cfg: cfg}
}

// RegisterRequest represents the request body for patient self-registration.
type RegisterRequest struct {
	FirstName   string `json:"firstName" binding:"required"`
	LastName    string `json:"lastName" binding:"required"`
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	Role        string `json:"role"`
	DateOfBirth string `json:"dateOfBirth"`
	PhoneNumber string `json:"phoneNumber"`
}

// Register handles patient registration. Admin accounts are only created by
// other admins or the seed command.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	if req.Role != "" {
		role, err := models.ParseRole(req.Role)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		if role != models.RolePatient {
			utils.Forbidden(c, "Only patient accounts can be registered")
			return
		}
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	var existingUser models.User
	if err := h.DB.Where("email = ?", email).First(&existingUser).Error; err == nil {
		utils.Conflict(c, "User with this email already exists")
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.RespondError(c, err)
		return
	}

	user := models.User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     email,
		Role:      models.RolePatient,
		IsActive:  true,
	}
	if err := h.applyContact(&user, req.PhoneNumber, req.DateOfBirth); err != nil {
		utils.RespondError(c, err)
		return
	}

	if err := user.SetPassword(req.Password); err != nil {
		utils.RespondError(c, err)
		return
	}

	if err := h.DB.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			utils.Conflict(c, "User with this email already exists")
			return
		}
		utils.RespondError(c, err)
		return
	}

	utils.Created(c, "User registered successfully", user.Sanitize())
}

// applyContact normalizes optional profile fields onto user.
func (h *AuthHandler) applyContact(user *models.User, phone, dob string) error {
	if phone != "" {
		normalized, err := utils.NormalizePhone(phone, h.Cfg.PhoneRegion)
		if err != nil {
			return err
		}
		user.PhoneNumber = normalized
	}
	if dob != "" {
		d, err := adherence.ParseDate(dob)
		if err != nil {
			return err
		}
		user.DateOfBirth = &d
	}
	return nil
}

// LoginRequest represents the request body for user login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the response body for successful login.
type LoginResponse struct {
	AccessToken  string               `json:"accessToken"`
	RefreshToken string               `json:"refreshToken"`
	User         models.UserSanitized `json:"user"`
}

// Login handles user login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	var user models.User
	if err := h.DB.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Unauthorized(c, "Invalid email or password")
		} else {
			utils.RespondError(c, err)
		}
		return
	}

	if !user.CheckPassword(req.Password) {
		utils.Unauthorized(c, "Invalid email or password")
		return
	}
	if !user.IsActive {
		utils.Forbidden(c, "Account is deactivated")
		return
	}

	accessToken, refreshToken, err := h.issueTokens(c, &user)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	utils.Success(c, "Login successful", LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user.Sanitize(),
	})
}

// issueTokens signs a token pair, stores the refresh token and sets it as an
// HTTP-only cookie.
func (h *AuthHandler) issueTokens(c *gin.Context, user *models.User) (string, string, error) {
	accessToken, refreshTokenString, err := utils.GenerateTokens(user, h.Cfg)
	if err != nil {
		return "", "", err
	}

	ttl := utils.RefreshTTL(h.Cfg)
	refreshToken := models.RefreshToken{
		UserID:    user.ID,
		Token:     refreshTokenString,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := h.DB.Create(&refreshToken).Error; err != nil {
		return "", "", err
	}

	c.SetCookie(refreshCookie, refreshTokenString, int(ttl.Seconds()), "/", "", h.Cfg.IsProduction(), true)
	return accessToken, refreshTokenString, nil
}

// RefreshTokenRequest represents the request body for token refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshTokenResponse represents the response body for successful token refresh.
type RefreshTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken rotates a refresh token: the presented one is revoked and a
// fresh pair is issued.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	presented, err := c.Cookie(refreshCookie)
	if err != nil || presented == "" {
		var req RefreshTokenRequest
		if !utils.BindAndValidate(c, &req) {
			return
		}
		presented = req.RefreshToken
	}

	claims, err := utils.ValidateToken(presented, h.Cfg.JWTRefreshSecret)
	if err != nil {
		utils.Unauthorized(c, "Invalid refresh token structure or signature: "+err.Error())
		return
	}

	var storedToken models.RefreshToken
	if err := h.DB.Where("token = ? AND user_id = ?", presented, claims.UserID).First(&storedToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Unauthorized(c, "Refresh token not found, expired, or revoked")
		} else {
			utils.RespondError(c, err)
		}
		return
	}
	if !storedToken.Usable(time.Now()) {
		utils.Unauthorized(c, "Refresh token not found, expired, or revoked")
		return
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	if !user.IsActive {
		utils.Forbidden(c, "Account is deactivated")
		return
	}

	storedToken.IsRevoked = true
	if err := h.DB.Save(&storedToken).Error; err != nil {
		utils.RespondError(c, err)
		return
	}

	accessToken, refreshToken, err := h.issueTokens(c, &user)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	utils.Success(c, "Access token refreshed successfully", RefreshTokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// LogoutRequest represents the request body for user logout.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout revokes the presented refresh token and clears its cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req LogoutRequest
	_ = c.ShouldBindJSON(&req)
	if req.RefreshToken == "" {
		req.RefreshToken, _ = c.Cookie(refreshCookie)
	}
	if req.RefreshToken == "" {
		utils.BadRequest(c, "Refresh token is required")
		return
	}

	res := h.DB.Model(&models.RefreshToken{}).
		Where("token = ? AND is_revoked = ?", req.RefreshToken, false).
		Updates(map[string]any{"is_revoked": true, "expires_at": time.Now()})
	if res.Error != nil {
		utils.RespondError(c, res.Error)
		return
	}

	c.SetCookie(refreshCookie, "", -1, "/", "", h.Cfg.IsProduction(), true)
	utils.Success(c, "Logout successful. Refresh token has been invalidated.", nil)
}

// GetProfile handles fetching the currently authenticated user's profile.
func (h *AuthHandler) GetProfile(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		utils.Unauthorized(c, "User not authenticated")
		return
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "User profile not found")
		} else {
			utils.RespondError(c, err)
		}
		return
	}

	utils.Success(c, "Profile fetched successfully", user.Sanitize())
}

// UpdateProfileRequest represents the request body for updating user profile.
// Email cannot be changed here.
type UpdateProfileRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
	PhoneNumber string `json:"phoneNumber"`
}

// UpdateProfile handles updating the currently authenticated user's profile.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		utils.Unauthorized(c, "User not authenticated")
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		utils.NotFound(c, "User not found")
		return
	}

	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if err := h.applyContact(&user, req.PhoneNumber, req.DateOfBirth); err != nil {
		utils.RespondError(c, err)
		return
	}

	if err := h.DB.Save(&user).Error; err != nil {
		utils.RespondError(c, err)
		return
	}

	utils.Success(c, "Profile updated successfully", user.Sanitize())
}
