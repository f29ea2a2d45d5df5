package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/monitor"
	"github.com/recordflow/recordflow/internal/notify"
	"github.com/recordflow/recordflow/internal/orchestrator"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logJSON    bool
	)

	cmd := &cobra.Command{
		Use:           "recordflow",
		Short:         "Bulk-load records from files, archives and delimited inputs into a content store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(logLevel, logJSON); err != nil {
				return err
			}
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				log.WithError(err).Error("invalid configuration")
				return err
			}
			if cfg.InputPath == "" {
				log.Error("no input to process, set --input")
				return cmd.Usage()
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flags.StringVar(&logLevel, "log-level", "info", "log level (trace..error)")
	flags.BoolVar(&logJSON, "log-json", false, "log as JSON")

	flags.StringP("input", "i", "", "file, directory or zip archive to ingest")
	flags.String("pattern", "", "file name pattern when input is a directory")
	flags.String("encoding", "", "IANA charset of text inputs (default UTF-8)")
	flags.String("driver", string(config.DriverDocument), "record driver: document, delimited, xml or pdf")
	flags.String("strip-prefix", "", "prefix stripped from raw record ids")
	flags.Bool("normalize-paths", false, "coalesce backslashes in record paths to '/'")
	flags.String("connection", "", "content store uri: gs://bucket/prefix, firestore://project/collection or mem://")
	flags.String("uri-prefix", "", "prefix for derived document uris")
	flags.String("uri-suffix", "", "suffix for derived document uris")
	flags.Bool("filename-ids", false, "derive record ids from record paths")
	flags.Bool("filename-collection", false, "tag documents with their source file's name")
	flags.Bool("skip-existing", false, "skip records whose document uri already exists")
	flags.Bool("error-existing", false, "fail records whose document uri already exists")
	flags.String("start-id", "", "resume: skip records until this id is seen")
	flags.IntP("threads", "t", 4, "worker pool width")
	flags.String("format", string(config.FormatXML), "default record format: xml, text or binary")
	flags.String("record-name", "record", "xml driver: record element name")
	flags.String("record-id-name", "id", "xml driver: id attribute or child element name")
	flags.String("delimiter", "\t", "delimited driver: field delimiter")
	flags.Int("id-field", 0, "delimited driver: zero-based id field index")
	flags.String("project", "", "GCP project for the completion workflow")
	flags.String("workflow", "", "Cloud Workflow to trigger on completion")
	flags.String("workflow-location", "us-central1", "Cloud Workflow location")
	flags.Bool("dry-run", false, "load into an in-process store instead")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	return cmd
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if asJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	// a pending start id throttles the pool to one worker for the scan
	mon := monitor.New(cfg.Threads, cfg.GetStartID() != "")
	orch := orchestrator.New(cfg, mon)

	summary, err := orch.Run(ctx)
	log.WithFields(log.Fields{
		"job":       orch.JobID(),
		"records":   summary.Records,
		"committed": summary.Committed,
		"skipped":   summary.Skipped,
		"bytes":     summary.Bytes,
		"elapsed":   summary.Elapsed.Round(time.Millisecond).String(),
	}).Info("ingestion finished")
	if err != nil {
		log.WithError(err).Error("job failed")
		return err
	}

	notifier, nerr := notify.NewWorkflowNotifier(ctx, cfg)
	if nerr != nil {
		log.WithError(nerr).Error("workflow notifier unavailable")
		return nerr
	}
	if notifier != nil {
		defer notifier.Close()
		if err := notifier.Notify(ctx, orch.JobID(), summary); err != nil {
			log.WithError(err).Error("workflow hand-off failed")
			return err
		}
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
