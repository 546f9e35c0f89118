package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"meditrack-server/internal/models"
)

// SeedAdmin creates an active admin account unless a user with the email
// already exists. It reports whether a row was created.
func SeedAdmin(ctx context.Context, db *gorm.DB, email, password string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return false, fmt.Errorf("seed admin: email and password are required")
	}
	if len(password) < 8 {
		return false, fmt.Errorf("seed admin: password must be at least 8 characters")
	}

	var existing models.User
	err := db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	switch {
	case err == nil:
		if existing.Role != models.RoleAdmin {
			return false, fmt.Errorf("seed admin: %s already exists with role %s", email, existing.Role)
		}
		return false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, fmt.Errorf("seed admin: %w", err)
	}

	admin := models.User{
		Email:     email,
		FirstName: "System",
		LastName:  "Administrator",
		Role:      models.RoleAdmin,
		IsActive:  true,
	}
	if err := admin.SetPassword(password); err != nil {
		return false, fmt.Errorf("seed admin: %w", err)
	}
	if err := db.WithContext(ctx).Create(&admin).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("seed admin: %w", err)
	}
	return true, nil
}
