package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/walleralexander/planner-export-import/internal/config"
	"github.com/walleralexander/planner-export-import/internal/restore"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_CONFIG")), "run configuration file (YAML)")
	input := flag.String("input", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_INPUT")), "export payload file or directory")
	baseURL := flag.String("base-url", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_BASE_URL")), "target tenant API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_TOKEN")), "bearer token for the target tenant")
	groupID := flag.String("group", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_GROUP")), "target group that will own restored plans")
	recordDSN := flag.String("record-dsn", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_RECORD_DSN")), "restoration record backend DSN (file://, memory://, postgres://)")
	reportFile := flag.String("report-file", strings.TrimSpace(os.Getenv("PLANNER_RESTORE_REPORT_FILE")), "write the error report JSON to this file (default stdout)")
	requestDelay := flag.Duration("request-delay", durationEnv("PLANNER_RESTORE_REQUEST_DELAY", 0), "minimum delay between API requests")
	maxRetries := flag.Int("max-retries", intEnv("PLANNER_RESTORE_MAX_RETRIES", 0), "retry budget per API request")
	dryRun := flag.Bool("dry-run", boolEnv("PLANNER_RESTORE_DRY_RUN"), "log intended actions without mutating the target")
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
	if *maxRetries > 0 {
		cfg.MaxRetries = *maxRetries
	}
	if *dryRun {
		cfg.DryRun = true
	}
	delay, err := cfg.RequestDelayDuration()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if *requestDelay > 0 {
		delay = *requestDelay
	}

	if strings.TrimSpace(*input) == "" {
		log.Fatalf("input is required (--input or PLANNER_RESTORE_INPUT)")
	}
	if !cfg.DryRun && strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or PLANNER_RESTORE_TOKEN)")
	}
	if !cfg.DryRun && strings.TrimSpace(cfg.GroupID) == "" {
		log.Fatalf("group is required (--group, PLANNER_RESTORE_GROUP or groupId in the config file)")
	}

	docs, err := loadDocuments(*input)
	if err != nil {
		log.Fatalf("loading export payloads: %v", err)
	}
	if len(docs) == 0 {
		log.Fatalf("no export payloads found under %s", *input)
	}

	tracker := restore.NewErrorTracker()
	opts := restore.CoordinatorOptions{
		Tracker: tracker,
		GroupID: cfg.GroupID,
		DryRun:  cfg.DryRun,
	}
	var resolver *restore.IdentityResolver
	if !cfg.DryRun {
		executor := restore.NewExecutor(restore.ExecutorOptions{
			BaseURL:      cfg.BaseURL,
			Token:        *token,
			RequestDelay: delay,
			MaxRetries:   cfg.MaxRetries,
		})
		resolver = restore.NewIdentityResolver(restore.IdentityResolverOptions{
			Executor: executor,
			Mapping:  cfg.UserMap,
		})
		records, backendErr := restore.BuildRecordBackendFromDSN(cfg.RecordBackendDSN)
		if backendErr != nil {
			log.Fatalf("building record backend: %v", backendErr)
		}
		if records != nil {
			defer records.Close()
		}
		opts.Executor = executor
		opts.Guard = restore.NewConcurrencyGuard(executor)
		opts.Resolver = resolver
		opts.Records = records
	}

	coordinator, err := restore.NewCoordinator(opts)
	if err != nil {
		log.Fatalf("building coordinator: %v", err)
	}

	records := coordinator.RestoreAll(context.Background(), docs)
	log.Printf("restored %d of %d plans", len(records), len(docs))
	if resolver != nil {
		stats := resolver.Stats()
		log.Printf("identity cache lookups=%d hits=%d misses=%d hitRate=%.2f callsAvoided=%d",
			stats.Lookups, stats.CacheHits, stats.CacheMisses, stats.HitRate, stats.CallsAvoided)
	}

	report, exitCode := tracker.Finalize()
	if err := writeReport(*reportFile, report); err != nil {
		log.Printf("writing report: %v", err)
	}
	log.Printf("run finished attempted=%d succeeded=%d failed=%d exitCode=%d",
		report.Summary.TotalAttempted, report.Summary.TotalSucceeded, report.Summary.TotalFailed, exitCode)
	os.Exit(exitCode)
}

// loadDocuments reads one payload file, or every *.json file in a directory
// in name order.
func loadDocuments(input string) ([]*restore.ExportDocument, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		doc, err := restore.LoadExportDocument(input)
		if err != nil {
			return nil, err
		}
		return []*restore.ExportDocument{doc}, nil
	}
	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(input, entry.Name()))
	}
	sort.Strings(paths)
	docs := make([]*restore.ExportDocument, 0, len(paths))
	for _, path := range paths {
		doc, err := restore.LoadExportDocument(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func writeReport(path string, report restore.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return raw == "1" || raw == "true" || raw == "yes"
}
