package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"meditrack-server/internal/config"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/utils"
)

// UserHandler handles user management (admin) and patient lookups.
type UserHandler struct {
	DB  *gorm.DB
	Cfg *config.Config
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(db *gorm.DB, cfg *config.Config) *UserHandler {
	return &UserHandler{DB: db, Cfg: cfg}
}

// CreateUserRequest represents the request body for creating a user by an admin.
type CreateUserRequest struct {
	FirstName   string `json:"firstName" binding:"required"`
	LastName    string `json:"lastName" binding:"required"`
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	Role        string `json:"role" binding:"required"`
	PhoneNumber string `json:"phoneNumber"`
}

// CreateUser handles creating a new user (admin).
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		utils.BadRequest(c, err.Error())
		return
	}
	phone, err := utils.NormalizePhone(req.PhoneNumber, h.Cfg.PhoneRegion)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	user := models.User{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		Role:        role,
		PhoneNumber: phone,
		IsActive:    true,
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

	utils.Created(c, "User created successfully", user.Sanitize())
}

func sanitizeAll(users []models.User) []models.UserSanitized {
	out := make([]models.UserSanitized, len(users))
	for i := range users {
		out[i] = users[i].Sanitize()
	}
	return out
}

// GetUsers handles fetching all users, optionally filtered by ?role= (admin).
func (h *UserHandler) GetUsers(c *gin.Context) {
	q := h.DB.Order("created_at DESC")
	if raw := c.Query("role"); raw != "" {
		role, err := models.ParseRole(raw)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		q = q.Where("role = ?", role)
	}

	var users []models.User
	if err := q.Find(&users).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Users fetched successfully", sanitizeAll(users))
}

// GetUserByID handles fetching a single user by ID (admin).
func (h *UserHandler) GetUserByID(c *gin.Context) {
	user, ok := h.find(c, c.Param("id"))
	if !ok {
		return
	}
	utils.Success(c, "User fetched successfully", user.Sanitize())
}

func (h *UserHandler) find(c *gin.Context, id string) (*models.User, bool) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "User not found")
		} else {
			utils.RespondError(c, err)
		}
		return nil, false
	}
	return &user, true
}

// UpdateUserRequest represents the request body for updating a user by an admin.
type UpdateUserRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email" binding:"omitempty,email"`
	Role        string `json:"role"`
	PhoneNumber string `json:"phoneNumber"`
	IsActive    *bool  `json:"isActive"`
}

// UpdateUser handles updating a user by ID (admin).
func (h *UserHandler) UpdateUser(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	user, ok := h.find(c, c.Param("id"))
	if !ok {
		return
	}

	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" && email != user.Email {
		var existingUser models.User
		if err := h.DB.Where("email = ? AND id <> ?", email, user.ID).First(&existingUser).Error; err == nil {
			utils.Conflict(c, "New email is already in use")
			return
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			utils.RespondError(c, err)
			return
		}
		user.Email = email
	}
	if req.Role != "" {
		role, err := models.ParseRole(req.Role)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		user.Role = role
	}
	if req.PhoneNumber != "" {
		phone, err := utils.NormalizePhone(req.PhoneNumber, h.Cfg.PhoneRegion)
		if err != nil {
			utils.RespondError(c, err)
			return
		}
		user.PhoneNumber = phone
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := h.DB.Save(user).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "User updated successfully", user.Sanitize())
}

// DeleteUser deactivates a user and revokes their refresh tokens (admin).
// Dose history is kept, so accounts are never removed outright.
func (h *UserHandler) DeleteUser(c *gin.Context) {
	userID := c.Param("id")
	if self, _ := middleware.GetUserIDFromContext(c); self == userID {
		utils.BadRequest(c, "Admins cannot deactivate their own account")
		return
	}
	user, ok := h.find(c, userID)
	if !ok {
		return
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND is_revoked = ?", user.ID, false).
			Update("is_revoked", true).Error
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "User deactivated successfully", nil)
}

// GetPatients lists patient accounts, optionally matching ?search= against
// name and email (admin).
func (h *UserHandler) GetPatients(c *gin.Context) {
	q := h.DB.Where("role = ?", models.RolePatient).Order("last_name, first_name")
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ?", like, like, like)
	}

	var patients []models.User
	if err := q.Find(&patients).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Patients fetched successfully", sanitizeAll(patients))
}

// GetPatient returns one patient. Patients may only fetch themselves.
func (h *UserHandler) GetPatient(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	patientID := c.Param("id")
	if err := scope.Authorize(patientID); err != nil {
		utils.RespondError(c, err)
		return
	}

	patient, ok := h.find(c, patientID)
	if !ok {
		return
	}
	if patient.Role != models.RolePatient {
		utils.NotFound(c, "Patient not found")
		return
	}
	utils.Success(c, "Patient fetched successfully", patient.Sanitize())
}
