package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/repository"
	"github.com/noah-isme/creche-api/internal/service"
	"github.com/noah-isme/creche-api/pkg/cache"
	"github.com/noah-isme/creche-api/pkg/config"
	"github.com/noah-isme/creche-api/pkg/database"
	"github.com/noah-isme/creche-api/pkg/logger"
)

const usage = `usage: enrollment-audit <command> [flags]

commands:
  report   print the consistency report as JSON
  export   write the report as csv or pdf
  repair   link an orphan child to a parent and approve the link`

type userLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	// Repairs must drop the report cached by the API.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, cached reports will expire on their own", zap.Error(err))
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, nil, cfg.Audit.CacheTTL, logr, cacheRepo.Enabled())

	validate := validator.New()
	users := repository.NewUserRepository(db)
	store := repository.NewAssociationRepository(db)
	enrollments := service.NewEnrollmentService(store, database.NewTxRunner(db), users, cacheSvc, nil, validate, logr, false)
	audit := service.NewConsistencyService(store, enrollments, cacheSvc, cfg.Audit.CacheTTL, nil, validate, logr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch command {
	case "report":
		err = runReport(ctx, audit, args)
	case "export":
		err = runExport(ctx, audit, args)
	case "repair":
		err = runRepair(ctx, audit, users, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logr.Error("enrollment audit failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func runReport(ctx context.Context, audit *service.ConsistencyService, args []string) error {
	fs := pflag.NewFlagSet("report", pflag.ExitOnError)
	failOnViolation := fs.Bool("fail", false, "exit with status 3 when violations are found")
	_ = fs.Parse(args)

	report, err := audit.Report(ctx, true)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "orphans: %d, duplicates: %d, dangling: %d\n", len(report.Orphans), len(report.Duplicates), len(report.Dangling))
	if *failOnViolation && !report.Clean() {
		os.Exit(3)
	}
	return nil
}

func runExport(ctx context.Context, audit *service.ConsistencyService, args []string) error {
	fs := pflag.NewFlagSet("export", pflag.ExitOnError)
	format := fs.String("format", "csv", "csv or pdf")
	out := fs.String("out", "", "output path (defaults to the generated file name)")
	_ = fs.Parse(args)

	file, err := audit.Export(ctx, *format)
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = file.Filename
	}
	if err := os.WriteFile(path, file.Body, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintln(os.Stderr, "wrote", path)
	return nil
}

func runRepair(ctx context.Context, audit *service.ConsistencyService, users userLookup, args []string) error {
	fs := pflag.NewFlagSet("repair", pflag.ExitOnError)
	childID := fs.String("child", "", "orphan child id")
	parentID := fs.String("parent", "", "parent account id")
	actorID := fs.String("actor", "", "staff or admin account performing the repair")
	notes := fs.String("notes", "", "admin notes stored on the enrollment")
	_ = fs.Parse(args)

	if *childID == "" || *parentID == "" || *actorID == "" {
		fs.Usage()
		return fmt.Errorf("child, parent and actor are required")
	}
	for flag, value := range map[string]string{"child": *childID, "parent": *parentID, "actor": *actorID} {
		if _, err := uuid.Parse(value); err != nil {
			return fmt.Errorf("--%s must be a UUID: %w", flag, err)
		}
	}

	actor, err := users.FindByID(ctx, *actorID)
	if err != nil {
		return fmt.Errorf("load actor: %w", err)
	}
	if !actor.Role.IsStaff() || !actor.Active {
		return fmt.Errorf("actor %s may not repair enrollments", actor.ID)
	}

	req := service.RepairOrphanRequest{ParentID: *parentID}
	if trimmed := strings.TrimSpace(*notes); trimmed != "" {
		req.AdminNotes = &trimmed
	}
	claims := &models.JWTClaims{UserID: actor.ID, Role: actor.Role, Email: actor.Email, FullName: actor.FullName}
	enrollment, err := audit.RepairOrphan(ctx, *childID, req, claims)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "approved enrollment %s for child %s and parent %s\n", enrollment.ID, enrollment.ChildID, enrollment.ParentID)
	return nil
}
