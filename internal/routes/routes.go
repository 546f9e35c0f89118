package routes

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/config"
	"meditrack-server/internal/handlers"
	"meditrack-server/internal/metrics"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
)

// Deps is everything the HTTP layer is built from.
type Deps struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Logger    zerolog.Logger
	Adherence *adherence.Service
	Reminders *reminder.Service
}

// NewRouter builds a gin engine with recovery, request logging, CORS and all routes.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(d.Logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{d.Cfg.Origin}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	router.Use(cors.New(corsConfig))

	SetupRoutes(router, d)
	return router
}

// SetupRoutes configures the application routes.
func SetupRoutes(router *gin.Engine, d Deps) {
	cfg := d.Cfg
	authHandler := handlers.NewAuthHandler(d.DB, cfg)
	userHandler := handlers.NewUserHandler(d.DB, cfg)
	medicationHandler := handlers.NewMedicationHandler(d.DB, d.Reminders)
	adherenceHandler := handlers.NewAdherenceHandler(d.Adherence)
	analyticsHandler := handlers.NewAnalyticsHandler(d.Adherence)
	reminderHandler := handlers.NewReminderHandler(d.Reminders, cfg.Reminder.DefaultDaysAhead)

	adminOnly := middleware.RoleAuthMiddleware(models.RoleAdmin)

	// Public routes (no authentication required)
	public := router.Group("/api/v1")
	{
		authRoutes := public.Group("/auth")
		{
			authRoutes.POST("/register", authHandler.Register)
			authRoutes.POST("/login", authHandler.Login)
			authRoutes.POST("/refresh-token", authHandler.RefreshToken)
		}
	}

	// Authenticated routes
	private := router.Group("/api/v1")
	private.Use(middleware.AuthMiddleware(cfg))
	{
		authRoutesPrivate := private.Group("/auth")
		{
			authRoutesPrivate.POST("/logout", authHandler.Logout)
			authRoutesPrivate.GET("/profile", authHandler.GetProfile)
			authRoutesPrivate.PUT("/profile", authHandler.UpdateProfile)
		}

		userRoutes := private.Group("/users", adminOnly)
		{
			userRoutes.POST("", userHandler.CreateUser)
			userRoutes.GET("", userHandler.GetUsers)
			userRoutes.GET("/:id", userHandler.GetUserByID)
			userRoutes.PUT("/:id", userHandler.UpdateUser)
			userRoutes.DELETE("/:id", userHandler.DeleteUser)
		}

		patientRoutes := private.Group("/patients")
		{
			patientRoutes.GET("", adminOnly, userHandler.GetPatients)
			patientRoutes.GET("/:id", userHandler.GetPatient) // admin or self, checked in handler
			patientRoutes.POST("/:id/medications", adminOnly, medicationHandler.Prescribe)
			patientRoutes.GET("/:id/medications", medicationHandler.GetPatientMedications)
		}

		medicationRoutes := private.Group("/medications")
		{
			medicationRoutes.POST("", adminOnly, medicationHandler.CreateMedication)
			medicationRoutes.GET("", medicationHandler.GetMedications)
		}

		prescriptionRoutes := private.Group("/prescriptions")
		{
			prescriptionRoutes.PUT("/:id/confirm", middleware.RoleAuthMiddleware(models.RolePatient), medicationHandler.ConfirmPrescription)
			prescriptionRoutes.PUT("/:id/stop", adminOnly, medicationHandler.StopPrescription)
		}

		adherenceRoutes := private.Group("/adherence")
		{
			adherenceRoutes.POST("/logs", adherenceHandler.LogDose)
			adherenceRoutes.GET("/logs", adherenceHandler.GetDoseLogs)
			adherenceRoutes.PUT("/logs/:id", adherenceHandler.UpdateDoseLog)
			adherenceRoutes.DELETE("/logs/:id", adherenceHandler.DeleteDoseLog)
			adherenceRoutes.GET("/stats", adherenceHandler.GetStats)
			adherenceRoutes.GET("/dashboard", adherenceHandler.GetDashboard)
			adherenceRoutes.GET("/history", adherenceHandler.GetHistory)
			adherenceRoutes.GET("/patients/:id/dashboard", adminOnly, adherenceHandler.GetPatientDashboard)
		}

		analyticsRoutes := private.Group("/analytics/adherence", adminOnly)
		{
			analyticsRoutes.GET("/overview", analyticsHandler.GetOverview)
			analyticsRoutes.GET("/trends", analyticsHandler.GetTrends)
			analyticsRoutes.GET("/patients", analyticsHandler.GetPatients)
			analyticsRoutes.GET("/medications", analyticsHandler.GetMedications)
			analyticsRoutes.GET("/stats", analyticsHandler.GetStats)
		}

		reminderRoutes := private.Group("/reminders")
		{
			reminderRoutes.POST("/schedules", reminderHandler.CreateSchedule)
			reminderRoutes.GET("/schedules", reminderHandler.GetSchedules)
			reminderRoutes.GET("/schedules/medication/:pmId", reminderHandler.GetScheduleByMedication)
			reminderRoutes.GET("/schedules/:id", reminderHandler.GetSchedule)
			reminderRoutes.PUT("/schedules/:id", reminderHandler.UpdateSchedule)
			reminderRoutes.DELETE("/schedules/:id", reminderHandler.DeleteSchedule)
			reminderRoutes.PATCH("/schedules/:id/toggle", reminderHandler.ToggleSchedule)
			reminderRoutes.POST("/schedules/:id/generate", reminderHandler.GenerateReminders)

			reminderRoutes.GET("", reminderHandler.GetReminders)
			reminderRoutes.GET("/stats", reminderHandler.GetReminderStats)
			reminderRoutes.POST("/:id/cancel", reminderHandler.CancelReminder)
			reminderRoutes.POST("/:id/acknowledge", reminderHandler.AcknowledgeReminder)
		}
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Simple health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
}
