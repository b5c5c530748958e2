// Command j2o-migrate is the operator-facing CLI for the Jira Server to
// OpenProject migration engine (spec.md §6).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/components"
	"github.com/netresearch/j2o-core/internal/config"
	"github.com/netresearch/j2o-core/internal/console"
	"github.com/netresearch/j2o-core/internal/containerx"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/opclient"
	"github.com/netresearch/j2o-core/internal/orchestrator"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sshx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile              string
	componentsFlag       []string
	projectFilterFlag    []string
	resetWPCheckpoints   bool
	dryRun               bool
	noConfirm            bool
	noBackup             bool
	progressAddr         string

	cfg    *config.Config
	logger *observability.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "j2o-migrate",
	Short: "Migrate a Jira Server project to OpenProject",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the migration engine",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config YAML file")
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringSliceVar(&componentsFlag, "components", nil, "restrict the run to these components (default: all, in dependency order)")
	migrateCmd.Flags().StringSliceVar(&projectFilterFlag, "jira-project-filter", nil, "restrict extraction to these Jira project keys, overriding jira.projects")
	migrateCmd.Flags().BoolVar(&resetWPCheckpoints, "reset-wp-checkpoints", false, "reset work_packages_skeleton and work_packages_content checkpoints before running")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "extract and map but do not load anything")
	migrateCmd.Flags().BoolVar(&noConfirm, "no-confirm", false, "skip the interactive confirmation prompt")
	migrateCmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-run checkpoint database backup")
	migrateCmd.Flags().StringVar(&progressAddr, "progress-addr", "", "if set, serve /health, /metrics, and /progress on this address")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile, os.Getenv("J2O_SHARED_ENV_FILE"), os.Getenv("J2O_LOCAL_ENV_FILE"))
	if err != nil {
		return fmt.Errorf("j2o-migrate: load config: %w", err)
	}

	dateSuffix := time.Now().UTC().Format("2006-01-02")
	logger, err = observability.NewFileLogger(cfg.Migration.LogLevel, cfg.Migration.LogDir, dateSuffix)
	if err != nil {
		return fmt.Errorf("j2o-migrate: init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("j2o-migrate starting", zap.Any("config", cfg.Redact()))

	if len(projectFilterFlag) > 0 {
		cfg.Jira.Projects = projectFilterFlag
	}

	if !noConfirm {
		if !confirm(fmt.Sprintf("About to migrate Jira project(s) %v into OpenProject host %s. Continue? [y/N] ", cfg.Jira.Projects, cfg.OpenProject.Host)) {
			logger.Info("migration cancelled by operator")
			return nil
		}
	}

	if err := os.MkdirAll(cfg.Migration.DataDir, 0755); err != nil {
		return fmt.Errorf("j2o-migrate: create data dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Migration.DataDir, "migration.lock")
	lock, err := orchestrator.AcquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("j2o-migrate: %w", err)
	}
	defer lock.Release()

	checkpointPath := filepath.Join(cfg.Migration.DataDir, "checkpoints.db")
	if !noBackup {
		if err := backupFile(checkpointPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("j2o-migrate: checkpoint backup failed, continuing", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("j2o-migrate: shutdown signal received, draining in-flight batches")
		cancel()
	}()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	cp, err := checkpoint.Open(checkpointPath, logger, metrics)
	if err != nil {
		return fmt.Errorf("j2o-migrate: open checkpoint store: %w", err)
	}
	defer cp.Close()

	if resetWPCheckpoints {
		for _, name := range []string{"work_packages_skeleton", "work_packages_content"} {
			if err := cp.Reset(name); err != nil {
				return fmt.Errorf("j2o-migrate: reset checkpoint %s: %w", name, err)
			}
		}
	}

	jira, err := jiraclient.NewAdapter(jiraclient.AdapterConfig{
		BaseURL:  cfg.Jira.URL,
		Username: cfg.Jira.Username,
		Token:    cfg.Jira.APIToken,
		Timeout:  30 * time.Second,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("j2o-migrate: init jira client: %w", err)
	}

	hostKeys, err := sshx.NewHostKeyStore(logger, filepath.Join(cfg.Migration.DataDir, "ssh_keys"))
	if err != nil {
		return fmt.Errorf("j2o-migrate: init host key store: %w", err)
	}

	transport, err := sshx.NewTransport(ctx, sshx.Config{
		Host:           cfg.OpenProject.Host,
		Port:           cfg.OpenProject.SSHPort,
		User:           cfg.OpenProject.User,
		PrivateKeyPath: cfg.OpenProject.PrivateKeyPath,
		KnownHostsPath: cfg.OpenProject.KnownHostsPath,
		DialTimeout:    15 * time.Second,
	}, hostKeys, logger)
	if err != nil {
		return fmt.Errorf("j2o-migrate: dial openproject host: %w", err)
	}
	defer transport.Close()

	container := containerx.New(transport, cfg.OpenProject.Container, logger, metrics)
	health.RegisterCheck("container", container.EnsureRunning)

	consoleSession := console.New(container, "/tmp", cfg.OpenProject.TmuxSession, logger, metrics)
	if err := consoleSession.Start(ctx); err != nil {
		return fmt.Errorf("j2o-migrate: start rails console: %w", err)
	}
	health.RegisterCheck("console", consoleSession.HealthCheck)

	eval := evaluator.New(container, consoleSession, logger)

	composer, err := railsgen.NewComposer()
	if err != nil {
		return fmt.Errorf("j2o-migrate: load rails templates: %w", err)
	}

	prov := provenance.New(eval, composer, logger, metrics)

	opAPI := opclient.NewAdapter(opclient.AdapterConfig{
		BaseURL:  cfg.OpenProject.URL,
		APIToken: cfg.OpenProject.APIToken,
		Timeout:  30 * time.Second,
	}, logger, metrics)
	health.RegisterCheck("openproject_rest", opAPI.Ping)

	registry := buildRegistry(jira, composer, eval, cp, prov, logger, metrics)

	var sinks []orchestrator.Sink
	var progressServer *orchestrator.ProgressServer
	if progressAddr != "" {
		progressServer = orchestrator.NewProgressServer(progressAddr, health, logger)
		sinks = append(sinks, progressServer.Hub())
		go func() {
			if err := progressServer.Start(); err != nil {
				logger.Warn("j2o-migrate: progress server stopped", zap.Error(err))
			}
		}()
	}

	orch := orchestrator.New(registry, cp, logger, metrics, orchestrator.NewMultiSink(sinks...))

	results, runErr := orch.Run(ctx, orchestrator.Options{
		Components:      componentsFlag,
		Order:           cfg.Migration.ComponentOrder,
		Concurrency:     cfg.Migration.Concurrency,
		ContinueOnError: false,
		DryRun:          dryRun,
	})

	printSummary(results)
	if err := writeResultsFile(cfg.Migration.DataDir, results); err != nil {
		logger.Warn("j2o-migrate: failed writing results file", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("j2o-migrate: migration stopped on error", zap.Error(runErr))
		return runErr
	}

	if !dryRun {
		verifyWorkPackages(ctx, opAPI, prov, logger)
	}

	logger.Info("j2o-migrate: migration completed")
	return nil
}

// verifyWorkPackages spot-checks a sample of migrated work packages
// against OpenProject's REST API, reading back what the remote-execution
// stack wrote rather than trusting the console session's own report.
// Apart from the openproject_rest health check (Ping), this is the one
// place the engine uses opclient's read-only surface; avatar upload and full reconciliation are left to operator follow-up.
const verifySampleSize = 25

func verifyWorkPackages(ctx context.Context, api opclient.Client, prov *provenance.Store, logger *observability.Logger) {
	mapping, err := prov.BuildMappingCache(ctx, "work_package")
	if err != nil {
		logger.Warn("j2o-migrate: skipping post-load verification", zap.Error(err))
		return
	}
	if len(mapping) == 0 {
		return
	}

	checked, mismatched := 0, 0
	for originKey, targetID := range mapping {
		if checked >= verifySampleSize {
			break
		}
		checked++

		wp, err := api.GetWorkPackage(ctx, targetID)
		if err != nil {
			mismatched++
			logger.Warn("j2o-migrate: verification read failed",
				zap.String("origin_key", originKey), zap.Int("target_id", targetID), zap.Error(err))
			continue
		}
		if wp.ID != targetID {
			mismatched++
			logger.Warn("j2o-migrate: verification mismatch",
				zap.String("origin_key", originKey), zap.Int("target_id", targetID))
		}
	}

	logger.Info("j2o-migrate: post-load verification complete",
		zap.Int("checked", checked), zap.Int("mismatched", mismatched), zap.Int("total_mapped", len(mapping)))
}

// buildRegistry constructs every component named in the dependency
// graph, wiring shared L1-L4 dependencies through.
func buildRegistry(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) map[string]components.Component {
	projectKeys := cfg.Jira.Projects
	originURL := func(accountID string) string {
		return strings.TrimRight(cfg.Jira.URL, "/") + "/secure/ViewProfile.jspa?name=" + accountID
	}

	reg := map[string]components.Component{
		"users":         components.NewUsers(jira, composer, eval, cp, prov, logger, metrics, originURL),
		"groups":        components.NewGroups(jira, composer, eval, cp, prov, logger, metrics),
		"projects":      components.NewProjects(jira, composer, eval, cp, prov, logger, metrics, cfg.Migration.ParentProjectIdentifier),
		"custom_fields": components.NewCustomFields(jira, composer, eval, cp, prov, logger, metrics),
		"issue_types":   components.NewIssueTypes(jira, composer, eval, cp, prov, logger, metrics),
		"statuses":      components.NewStatuses(jira, composer, eval, cp, prov, logger, metrics),
		"workflows":     components.NewWorkflows(jira, composer, eval, cp, prov, logger, metrics),
		"priorities":    components.NewPriorities(jira, composer, eval, cp, prov, logger, metrics),
		"versions":      components.NewVersions(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"components":    components.NewJiraComponents(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"labels":        components.NewLabels(jira, composer, eval, cp, prov, logger, metrics),

		"work_packages_skeleton": components.NewWorkPackagesSkeleton(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"work_packages_content":  components.NewWorkPackagesContent(jira, projectKeys, cfg.Migration.FallbackAdminUserID, []string{"Workflow", "Resolution"}, composer, eval, cp, prov, logger, metrics),

		"attachments":  components.NewAttachments(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"time_entries": components.NewTimeEntries(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"relations":    components.NewRelations(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"watchers":     components.NewWatchers(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"remote_links": components.NewRemoteLinks(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
		"inline_refs":  components.NewInlineRefs(jira, projectKeys, composer, eval, cp, prov, logger, metrics),
	}
	return reg
}

func printSummary(results []orchestrator.ComponentResult) {
	fmt.Println("component             created  updated  skipped  failed  status")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "FAILED: " + r.Err.Error()
		}
		fmt.Printf("%-22s %7d  %7d  %7d  %6d  %s\n", r.Component, r.Report.Created, r.Report.Updated, r.Report.Skipped, r.Report.Failed, status)
	}
}

// resultRow is the JSON-serializable shape of one ComponentResult;
// written out so an operator (or CI) can parse the outcome of a run
// without scraping stdout.
type resultRow struct {
	Component string `json:"component"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// writeResultsFile dumps per-component counts to results/<timestamp>.json
// under dataDir (spec.md §7's "JSON results file under results/").
func writeResultsFile(dataDir string, results []orchestrator.ComponentResult) error {
	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		row := resultRow{
			Component: r.Component,
			Created:   r.Report.Created,
			Updated:   r.Report.Updated,
			Skipped:   r.Report.Skipped,
			Failed:    r.Report.Failed,
		}
		if r.Err != nil {
			row.Error = r.Err.Error()
		}
		rows = append(rows, row)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	resultsDir := filepath.Join(dataDir, "results")
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	path := filepath.Join(resultsDir, time.Now().UTC().Format("20060102T150405Z")+".json")
	return os.WriteFile(path, data, 0644)
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

func backupFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	backupPath := path + "." + time.Now().UTC().Format("20060102T150405Z") + ".bak"
	return os.WriteFile(backupPath, data, 0644)
}
