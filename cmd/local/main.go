package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/tasks"
	"github.com/archipelago-go/archipelago/local"
)

func main() {
	var (
		input    = flag.String("input", "", "comma-separated input glob patterns, relative to -root")
		root     = flag.String("root", ".", "file root of the in-process nodes")
		jobName  = flag.String("job", "wordcount", "job to run: wordcount or grep")
		pattern  = flag.String("pattern", "", "regular expression for grep")
		nodes    = flag.Int("nodes", 2, "number of in-process nodes")
		threads  = flag.Int("threads", 0, "threads per node (0 = detect)")
		parts    = flag.Int("parts", 4, "number of jobs the input is split into")
		top      = flag.Int("top", 20, "words to print for wordcount (0 = all)")
		fold     = flag.Bool("i", false, "case insensitive matching")
		logLevel = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel, "text")
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	if *input == "" {
		logger.Fatal("Input pattern must be specified using the -input flag")
	}
	files, err := tasks.FindFiles(*root, strings.Split(*input, ","))
	if err != nil {
		logger.Fatal("Failed to resolve input", "error", err)
	}
	if len(files) == 0 {
		logger.Fatal("No input files matched", "input", *input, "root", *root)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cluster, err := local.Start(ctx, local.Config{
		Nodes:          *nodes,
		ThreadsPerNode: *threads,
		FileRoot:       *root,
	}, job.Default, logger)
	if err != nil {
		logger.Fatal("Failed to start local cluster", "error", err)
	}
	defer cluster.Close()

	logger.Info("Starting job", "job", *jobName, "files", len(files), "parts", *parts)

	switch *jobName {
	case "wordcount":
		counts, err := local.WordCount(ctx, cluster.Scheduler(), files, *parts, !*fold)
		if err != nil {
			logger.Error("Job failed", "job", *jobName, "error", err)
			return
		}
		if err := local.WriteCounts(os.Stdout, counts, *top); err != nil {
			logger.Error("Failed to write output", "error", err)
		}
	case "grep":
		if *pattern == "" {
			logger.Error("Grep needs -pattern")
			return
		}
		matches, err := local.Grep(ctx, cluster.Scheduler(), files, *parts, *pattern, *fold)
		if err != nil {
			logger.Error("Job failed", "job", *jobName, "error", err)
			return
		}
		if err := local.WriteMatches(os.Stdout, matches); err != nil {
			logger.Error("Failed to write output", "error", err)
		}
	default:
		logger.Error("Unknown job", "job", *jobName, "available", []string{"wordcount", "grep"})
	}
}
