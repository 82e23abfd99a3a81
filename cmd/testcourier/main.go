// Command testcourier delivers JSON test definitions to a remote device
// and waits each one out: upload over SFTP, poll for the result file,
// classify what came back, append a history record. Definitions run
// strictly one at a time, in the order given.
//
// Usage:
//
//	testcourier -config config.yaml defs/wan_check.json defs/lan_dhcp.json
//	testcourier -config config.yaml -dir defs/
//
// The process exits 0 when every job succeeded, 1 otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/juno-kyojin/testcase-app/internal/archive"
	"github.com/juno-kyojin/testcase-app/internal/delivery"
	"github.com/juno-kyojin/testcase-app/internal/events"
	"github.com/juno-kyojin/testcase-app/internal/history"
	"github.com/juno-kyojin/testcase-app/internal/history/mongostore"
	"github.com/juno-kyojin/testcase-app/internal/history/sqlitestore"
	"github.com/juno-kyojin/testcase-app/internal/poll"
	"github.com/juno-kyojin/testcase-app/internal/queue"
	"github.com/juno-kyojin/testcase-app/internal/testdef"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/internal/transport"
	"github.com/juno-kyojin/testcase-app/pkg/config"
	"github.com/juno-kyojin/testcase-app/pkg/config/filestore"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

const serviceName = "testcourier"

// validateWorkers bounds the pre-flight validation fan-out; the batch
// itself still runs one job at a time.
const validateWorkers = 4

var (
	configPath = flag.String("config", "config.yaml", "path to the YAML configuration file")
	defDir     = flag.String("dir", "", "queue every .json definition in this directory, sorted by name")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// A missing .env is fine; anything else is not.
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
			return 1
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return 1
	}

	logger := lg.New(&lg.Config{
		ServiceName: serviceName,
		Debug:       *debug || cfg.Log.Debug,
		Format:      cfg.Log.Format,
	})
	defer logger.Sync()

	paths, err := definitionPaths(flag.Args(), *defDir)
	if err != nil {
		logger.Error("collecting definitions", lg.Err(err))
		return 1
	}
	if len(paths) == 0 {
		logger.Error("no test definitions given; pass files or -dir")
		return 1
	}

	jobs, err := buildJobs(paths, cfg, logger)
	if err != nil {
		logger.Error("definition rejected", lg.Err(err))
		return 1
	}

	// The config file is read once; flag a mid-run edit so the operator
	// knows the running batch still uses the old settings.
	if err := filestore.New(*configPath).Watch(func() {
		logger.Warn("config file changed on disk; the change applies on next start",
			lg.String("path", *configPath))
	}); err != nil {
		logger.Debug("config watch unavailable", lg.Err(err))
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("opening history store", lg.Err(err))
		return 1
	}
	defer store.Close()

	tr, err := transport.Dial(context.Background(), transport.Config{
		Host:           cfg.Connection.Host,
		Port:           cfg.Connection.Port,
		User:           cfg.Connection.User,
		Password:       cfg.Connection.Password,
		KeyFile:        cfg.Connection.KeyFile,
		ConnectTimeout: cfg.Connection.ConnectTimeout.Std(),
		DialAttempts:   cfg.Connection.DialAttempts,
		DialRetryDelay: cfg.Connection.DialRetryDelay.Std(),
	}, logger)
	if err != nil {
		logger.Error("connecting to device", lg.Err(err))
		return 1
	}
	defer tr.Close()

	if err := tr.VerifyDirs(context.Background(), cfg.Remote.ConfigDir, cfg.Remote.ResultDir); err != nil {
		logger.Error("remote directories missing", lg.Err(err))
		return 1
	}

	eng := delivery.New(tr, store, delivery.Config{
		Poll: poll.Config{
			Interval:        cfg.Poll.Interval.Std(),
			MaxAttempts:     cfg.Poll.MaxAttempts,
			Backoff:         cfg.Poll.Backoff,
			StabilityDelay:  cfg.Poll.StabilityDelay.Std(),
			MinResultSize:   cfg.Poll.MinResultSize,
			DownloadRetries: cfg.Poll.DownloadRetries,
		},
		SettleDelay:  cfg.Poll.SettleDelay.Std(),
		NetworkGrace: cfg.Poll.NetworkGrace.Std(),
	}, logger)

	if cfg.Archive.Enabled {
		eng.Archive = archive.New(cfg.Archive.Dir)
		logger.Info("archiving result payloads", lg.String("dir", cfg.Archive.Dir))
	}
	if cfg.Events.Enabled {
		pub := events.NewPublisher(events.Config{
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Events.Topic,
		}, logger)
		defer pub.Close()
		eng.Sink = pub.Sink()
		logger.Info("publishing lifecycle events", lg.String("topic", cfg.Events.Topic))
	}

	runner := queue.NewRunner(eng, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		s := <-sig
		logger.Warn("signal received, finishing current job then stopping",
			lg.String("signal", s.String()))
		runner.Stop()
	}()

	logger.Info("starting batch",
		lg.Int("jobs", len(jobs)),
		lg.String("device", cfg.Connection.Host),
		lg.String("history", cfg.History.Backend),
	)

	var succeeded, finished int
	persistTrouble := false
	for res := range runner.Run(context.Background(), jobs) {
		finished++
		if res.Record.Status == testjob.StatusSuccess {
			succeeded++
		}
		if res.PersistErr != nil {
			persistTrouble = true
		}
	}

	logger.Info("batch finished",
		lg.Int("jobs", len(jobs)),
		lg.Int("finished", finished),
		lg.Int("succeeded", succeeded),
		lg.Int("skipped", len(jobs)-finished),
	)

	if succeeded != len(jobs) || persistTrouble {
		return 1
	}
	return 0
}

// definitionPaths merges explicit file arguments with a -dir scan.
// Directory entries come back sorted so runs are reproducible.
func definitionPaths(args []string, dir string) ([]string, error) {
	paths := append([]string(nil), args...)
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths, nil
}

// buildJobs validates every definition up front, in parallel, so a
// malformed file is rejected before anything touches the device. Job
// order follows the argument order regardless of which finishes
// validation first.
func buildJobs(paths []string, cfg config.Config, logger lg.Logger) ([]testjob.TestJob, error) {
	jobs := make([]testjob.TestJob, len(paths))

	var g errgroup.Group
	g.SetLimit(validateWorkers)
	for i, path := range paths {
		g.Go(func() error {
			doc, err := testdef.ValidateFile(path)
			if err != nil {
				return err
			}

			job := testjob.NewJob(path, cfg.Remote.ConfigDir, cfg.Remote.ResultDir)
			impacts := testdef.AnalyzeImpacts(doc)
			job.NetworkAffecting = impacts.AffectsNetwork()

			logger.Info("definition queued",
				lg.String("file", job.FileName),
				lg.Int("cases", doc.CaseCount()),
				lg.String("services", doc.Summary()),
				lg.Bool("network_affecting", job.NetworkAffecting),
			)
			if impacts.RestartsNetwork {
				logger.Warn("definition restarts device networking; the connection may drop mid-test",
					lg.String("file", job.FileName))
			}

			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func openStore(cfg config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "mongo":
		return mongostore.New(cfg.History.MongoURI, cfg.History.MongoDatabase, cfg.History.MongoCollection)
	default:
		return sqlitestore.Open(cfg.History.SQLitePath)
	}
}
