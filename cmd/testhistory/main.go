// Command testhistory lists the most recent delivery records from the
// configured history store, newest first.
//
// Usage:
//
//	testhistory -config config.yaml -limit 50
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/juno-kyojin/testcase-app/internal/history"
	"github.com/juno-kyojin/testcase-app/internal/history/mongostore"
	"github.com/juno-kyojin/testcase-app/internal/history/sqlitestore"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "path to the YAML configuration file")
	limit      = flag.Int("limit", 20, "number of records to show")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			log.Fatalf("loading .env: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("opening history store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := store.Recent(ctx, *limit)
	if err != nil {
		log.Fatalf("reading history: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("no history records")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tFILE\tSTATUS\tRESULT\tDETAILS")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.FileName,
			rec.Status,
			overall(rec),
			truncate(rec.Details, 60),
		)
	}
	w.Flush()
}

func openStore(cfg config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "mongo":
		return mongostore.New(cfg.History.MongoURI, cfg.History.MongoDatabase, cfg.History.MongoCollection)
	default:
		return sqlitestore.Open(cfg.History.SQLitePath)
	}
}

func overall(rec testjob.HistoryRecord) string {
	if rec.Result == nil {
		return "-"
	}
	return rec.Result.Overall
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
