package routes

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/creche-api/api/swagger"
	"github.com/noah-isme/creche-api/internal/handler"
	"github.com/noah-isme/creche-api/internal/middleware"
	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/service"
	"github.com/noah-isme/creche-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/creche-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/creche-api/pkg/middleware/requestid"
)

// Options configures the router.
type Options struct {
	APIPrefix      string
	AllowedOrigins []string
	EnableDocs     bool
	EnableMetrics  bool
}

// Dependencies groups the services and handlers mounted by the router.
type Dependencies struct {
	Logger      *zap.Logger
	Auth        *service.AuthService
	Metrics     *service.MetricsService
	AuditLog    middleware.AuditLogger
	AuthH       *handler.AuthHandler
	Parents     *handler.ParentHandler
	Children    *handler.ChildHandler
	Enrollments *handler.EnrollmentHandler
	Consistency *handler.ConsistencyHandler
	Ops         *handler.MetricsHandler
}

// New builds the gin engine with every creche endpoint.
func New(opts Options, deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(opts.AllowedOrigins))
	if opts.EnableMetrics {
		r.Use(middleware.Metrics(deps.Metrics))
		r.GET("/metrics", deps.Ops.Prometheus)
	}

	r.GET("/health", deps.Ops.Health)
	r.GET("/ready", deps.Ops.Ready)
	if opts.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleStaff)
	admin := middleware.RequireRoles(models.RoleAdmin)

	api := r.Group(opts.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", deps.AuthH.Login)
	auth.GET("/me", middleware.JWT(deps.Auth), deps.AuthH.Me)

	// Submissions may come from anonymous visitors when public enrollment is
	// enabled; the service decides.
	api.POST("/enrollments", middleware.OptionalJWT(deps.Auth), deps.Enrollments.Submit)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.Auth))

	secured.GET("/enrollments/link", deps.Enrollments.IsLinked)

	parents := secured.Group("/parents")
	parents.GET("", staff, deps.Parents.List)
	parents.POST("", staff, deps.Parents.Create)
	parents.GET("/:id/children", middleware.RBAC(string(models.RoleAdmin), string(models.RoleStaff), "SELF"), deps.Parents.Children)

	children := secured.Group("/children", staff)
	children.GET("", deps.Children.List)
	children.POST("", deps.Children.Create)
	children.GET("/:id", deps.Children.Get)
	children.PUT("/:id", deps.Children.Update)
	children.POST("/:id/archive", deps.Children.Archive)
	children.POST("/:id/restore", deps.Children.Restore)
	children.GET("/:id/archives", deps.Children.Archives)
	children.GET("/:id/enrollment", deps.Enrollments.GetByChild)

	enrollments := secured.Group("/enrollments", staff)
	enrollments.GET("", deps.Enrollments.List)
	enrollments.GET("/:id", deps.Enrollments.Get)
	enrollments.PUT("/:id", deps.Enrollments.Update)
	enrollments.POST("/:id/approve", deps.Enrollments.Approve)
	enrollments.POST("/:id/reject", deps.Enrollments.Reject)

	audit := secured.Group("/admin/enrollments", admin)
	audit.GET("/orphans", deps.Consistency.Orphans)
	audit.GET("/duplicates", deps.Consistency.Duplicates)
	audit.GET("/dangling", deps.Consistency.Dangling)
	audit.GET("/report", deps.Consistency.Report)
	exportChain := []gin.HandlerFunc{deps.Consistency.Export}
	if deps.AuditLog != nil {
		exportChain = append([]gin.HandlerFunc{middleware.Audit(deps.AuditLog, deps.Logger, models.AuditActionReportExport, "consistency_report")}, exportChain...)
	}
	audit.GET("/report/export", exportChain...)
	audit.POST("/orphans/:childId/repair", deps.Consistency.RepairOrphan)

	return r
}
