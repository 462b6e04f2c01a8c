// comfyflow-run executes one workflow against a ComfyUI engine, prints the
// URLs of the images it produced and optionally downloads them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/comfyflow/internal/config"
	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/orchestrator"
	"github.com/seantiz/comfyflow/internal/workflow"
)

type options struct {
	workflowPath string
	addr         string
	overrides    overrideFlags
	outDir       string
	renderPath   string
	timeout      time.Duration
	pollInterval time.Duration
	verbose      bool
}

func main() {
	opts := options{overrides: make(overrideFlags)}
	flag.StringVar(&opts.workflowPath, "workflow", "", "workflow file in API format (required)")
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:8188", "engine address")
	flag.Var(opts.overrides, "set", "input override node.input=value (repeatable)")
	flag.StringVar(&opts.outDir, "out", "", "directory to save images into")
	flag.StringVar(&opts.renderPath, "render", "", "write an SVG of the graph to this path")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline")
	flag.DurationVar(&opts.pollInterval, "poll", orchestrator.DefaultPollInterval, "queue poll interval")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	if opts.workflowPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.Error("run failed", "error", err, "error_kind", gateway.KindName(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdout io.Writer, logger *slog.Logger) error {
	data, err := os.ReadFile(opts.workflowPath)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	graph, err := workflow.Parse(data)
	if err != nil {
		return err
	}
	if err := graph.MergeAll(opts.overrides); err != nil {
		return err
	}

	if opts.renderPath != "" {
		if err := renderGraph(opts.renderPath, graph, opts.workflowPath); err != nil {
			return err
		}
	}

	client, err := gateway.NewClient(opts.addr, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		return err
	}
	orc := orchestrator.New(client, orchestrator.Options{
		ClientID:     model.NewClientID(),
		PollInterval: opts.pollInterval,
		Logger:       logger,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	res, err := orc.Run(ctx, orchestrator.Request{
		Graph:    graph,
		Progress: func(line string) { logger.Info(line) },
	})
	if err != nil {
		return err
	}

	urls := res.URLs()
	for _, nodeID := range res.NodeIDs() {
		for _, u := range urls[nodeID] {
			fmt.Fprintf(stdout, "%s\t%s\n", nodeID, u)
		}
	}

	if opts.outDir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	images, err := orc.Fetch(ctx, res)
	if err != nil {
		return err
	}
	if err := orchestrator.Save(ctx, orchestrator.DirSink{Dir: opts.outDir}, images); err != nil {
		return err
	}
	logger.Info("saved images", "count", len(images), "dir", opts.outDir)
	return nil
}

func renderGraph(path string, graph workflow.Graph, title string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create svg: %w", err)
	}
	workflow.Render(f, graph, title)
	if err := f.Close(); err != nil {
		return fmt.Errorf("write svg: %w", err)
	}
	return nil
}
