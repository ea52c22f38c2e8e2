package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/walleralexander/planner-export-import/internal/config"
	"github.com/walleralexander/planner-export-import/internal/restore"
	"github.com/walleralexander/planner-export-import/internal/statusapi"
	"github.com/walleralexander/planner-export-import/internal/watcher"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_CONFIG")), "run configuration file (YAML)")
	watchDir := flag.String("watch-dir", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_WATCH_DIR")), "directory to watch for export payloads")
	addr := flag.String("addr", envOrDefault("PLANNER_RESTORE_ADDR", ":8090"), "status API listen address")
	baseURL := flag.String("base-url", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_BASE_URL")), "target tenant API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_TOKEN")), "bearer token for the target tenant")
	groupID := flag.String("group", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_GROUP")), "target group that will own restored plans")
	recordDSN := flag.String("record-dsn", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_RECORD_DSN")), "restoration record backend DSN")
	debounce := flag.Duration("debounce", 2*time.Second, "quiet period before a dropped file is processed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *groupID != "" {
		cfg.GroupID = *groupID
	}
	if *recordDSN != "" {
		cfg.RecordBackendDSN = *recordDSN
	}
	delay, err := cfg.RequestDelayDuration()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if strings.TrimSpace(*watchDir) == "" {
		log.Fatalf("watch-dir is required (--watch-dir or PLANNER_RESTORE_WATCH_DIR)")
	}
	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or PLANNER_RESTORE_TOKEN)")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		log.Fatalf("group is required (--group, PLANNER_RESTORE_GROUP or groupId in the config file)")
	}

	executor := restore.NewExecutor(restore.ExecutorOptions{
		BaseURL:      cfg.BaseURL,
		Token:        *token,
		RequestDelay: delay,
		MaxRetries:   cfg.MaxRetries,
	})
	// The resolver is shared across payload files so cached identities carry
	// over between drops.
	resolver := restore.NewIdentityResolver(restore.IdentityResolverOptions{
		Executor: executor,
		Mapping:  cfg.UserMap,
	})
	records, err := restore.BuildRecordBackendFromDSN(cfg.RecordBackendDSN)
	if err != nil {
		log.Fatalf("building record backend: %v", err)
	}
	if records != nil {
		defer records.Close()
	}

	status := statusapi.NewServer(resolver.Stats)
	go func() {
		log.Printf("status api listening on %s", *addr)
		if err := http.ListenAndServe(*addr, status); err != nil {
			log.Fatalf("status api failed: %v", err)
		}
	}()

	handler := func(ctx context.Context, path string) error {
		doc, err := restore.LoadExportDocument(path)
		if err != nil {
			return err
		}
		tracker := restore.NewErrorTracker()
		coordinator, err := restore.NewCoordinator(restore.CoordinatorOptions{
			Executor: executor,
			Guard:    restore.NewConcurrencyGuard(executor),
			Resolver: resolver,
			Tracker:  tracker,
			Records:  records,
			GroupID:  cfg.GroupID,
		})
		if err != nil {
			return err
		}
		_, restoreErr := coordinator.RestorePlan(ctx, doc)
		report, exitCode := tracker.Finalize()
		status.SetReport(report)
		log.Printf("payload finished file=%s attempted=%d failed=%d exitCode=%d",
			path, report.Summary.TotalAttempted, report.Summary.TotalFailed, exitCode)
		return restoreErr
	}

	dropWatcher, err := watcher.New(watcher.Options{
		Dir:      *watchDir,
		Handler:  handler,
		Debounce: *debounce,
	})
	if err != nil {
		log.Fatalf("building watcher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("watching %s for export payloads", *watchDir)
	if err := dropWatcher.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("watcher failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
