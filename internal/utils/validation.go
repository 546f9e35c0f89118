package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/apperr"
)

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	return v
})

// Validate performs validation on a struct.
func Validate(s interface{}) error {
	return validate().Struct(s)
}

// FormatValidationError formats validation errors into a readable string.
func FormatValidationError(err error) string {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		messages := make([]string, 0, len(errs))
		for _, e := range errs {
			messages = append(messages, fmt.Sprintf("%s failed on %s", e.Field(), e.Tag()))
		}
		return strings.Join(messages, ", ")
	}
	return err.Error()
}

// BindAndValidate binds the request body to a struct and validates it.
// If validation fails, it sends a BadRequest response and returns false.
func BindAndValidate(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		BadRequest(c, "Invalid request payload: "+err.Error())
		return false
	}
	if err := Validate(obj); err != nil {
		BadRequest(c, "Validation failed: "+FormatValidationError(err))
		return false
	}
	return true
}

// NormalizePhone parses a phone number and formats it as E.164. Numbers
// without a country code are read in defaultRegion.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", apperr.Validation(fmt.Sprintf("invalid phone number %q", raw))
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// QueryString returns a pointer to a non-empty query parameter.
func QueryString(c *gin.Context, key string) *string {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil
	}
	return &v
}

// QueryInt parses an integer query parameter, returning def when absent.
func QueryInt(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation(fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

// QueryFloat parses an optional float query parameter.
func QueryFloat(c *gin.Context, key string) (*float64, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("%s must be a number", key))
	}
	return &f, nil
}

// QueryDate parses an optional YYYY-MM-DD query parameter.
func QueryDate(c *gin.Context, key string) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	d, err := adherence.ParseDate(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// QueryTime parses an optional RFC 3339 timestamp, also accepting a bare date.
func QueryTime(c *gin.Context, key string) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	return QueryDate(c, key)
}
