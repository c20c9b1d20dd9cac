package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"orchestra/internal/config"
	"orchestra/internal/events"
	"orchestra/internal/llmclient"
	"orchestra/internal/logging"
	"orchestra/internal/registry"
	"orchestra/internal/run"
	"orchestra/internal/stage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "create":
		cmdCreate(cfg, args)
	case "run":
		cmdRun(cfg, args)
	case "resume":
		cmdResume(cfg, args)
	case "list":
		cmdList(cfg, args)
	case "events":
		cmdEvents(cfg, args)
	case "artifacts":
		cmdArtifacts(cfg, args)
	case "artifact":
		cmdArtifact(cfg, args)
	case "model-add":
		cmdModelAdd(cfg, args)
	case "model-list":
		cmdModelList(cfg, args)
	case "pipeline-add":
		cmdPipelineAdd(cfg, args)
	case "pipeline-list":
		cmdPipelineList(cfg, args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: orchestra <command> [flags]

Commands:
  create        create a run from a pipeline and a goal
  run           create (if needed) and drive a run to completion or pause
  resume        resume a paused run
  list          list runs and their statuses
  events        print a run's event log
  artifacts     list a run's artifacts
  artifact      print one artifact
  model-add     register a model from a JSON file
  model-list    list registered models
  pipeline-add  register a pipeline from a JSON file
  pipeline-list list registered pipelines`)
}

func newService(cfg *config.Config, verbose bool) (*run.Service, *zap.Logger) {
	logger, err := logging.New(cfg.Env, verbose)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	backing, err := config.NewStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	models := registry.NewModels(cfg.ModelsDir)
	pipelines := registry.NewPipelines(cfg.PipelinesDir, models)
	eventLog := &events.Log{Store: backing}
	client := llmclient.NewClient(cfg.InferenceTimeout)
	runner := &stage.Runner{
		Store:  backing,
		Events: eventLog,
		Infer:  client.ChatCompletions,
		Log:    logger,
	}
	svc := &run.Service{
		Store:     backing,
		Events:    eventLog,
		Pipelines: pipelines,
		Runner:    runner,
		Infer:     client.ChatCompletions,
		Log:       logger,
	}
	return svc, logger
}

func runInput(goal, prompt string) map[string]any {
	if prompt == "" {
		prompt = goal
	}
	return map[string]any{"goal": goal, "user_prompt": prompt}
}

func cmdCreate(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	pipeline := fs.String("pipeline", "default", "pipeline id")
	goal := fs.String("goal", "", "run goal")
	prompt := fs.String("prompt", "", "user prompt (defaults to the goal)")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)
	if *goal == "" {
		log.Fatal("create: -goal is required")
	}

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	created, err := svc.Create(context.Background(), *pipeline, runInput(*goal, *prompt))
	if err != nil {
		log.Fatalf("Failed to create run: %v", err)
	}
	printJSON(created)
}

func cmdRun(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	id := fs.String("id", "", "existing run id (omit to create)")
	pipeline := fs.String("pipeline", "default", "pipeline id for a new run")
	goal := fs.String("goal", "", "goal for a new run")
	prompt := fs.String("prompt", "", "user prompt for a new run")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	ctx := context.Background()

	runID := *id
	if runID == "" {
		if *goal == "" {
			log.Fatal("run: -id or -goal is required")
		}
		created, err := svc.Create(ctx, *pipeline, runInput(*goal, *prompt))
		if err != nil {
			log.Fatalf("Failed to create run: %v", err)
		}
		runID = created.ID
	}

	status, err := svc.ExecuteAuto(ctx, runID)
	if err != nil {
		log.Fatalf("Run %s failed: %v", runID, err)
	}
	printJSON(run.Summary{ID: runID, Status: status})
}

func cmdResume(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	id := fs.String("id", "", "run id")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)
	if *id == "" {
		log.Fatal("resume: -id is required")
	}

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	status, err := svc.Resume(context.Background(), *id)
	if err != nil {
		log.Fatalf("Failed to resume run %s: %v", *id, err)
	}
	printJSON(run.Summary{ID: *id, Status: status})
}

func cmdList(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	summaries, err := svc.List(context.Background())
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	printJSON(summaries)
}

func cmdEvents(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	id := fs.String("id", "", "run id")
	tail := fs.Int("n", 0, "print only the last n events")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)
	if *id == "" {
		log.Fatal("events: -id is required")
	}

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	tailEvents, err := svc.EventTail(context.Background(), *id, *tail)
	if err != nil {
		log.Fatalf("Failed to read events for %s: %v", *id, err)
	}
	printJSON(tailEvents)
}

func cmdArtifacts(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("artifacts", flag.ExitOnError)
	id := fs.String("id", "", "run id")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)
	if *id == "" {
		log.Fatal("artifacts: -id is required")
	}

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	keys, err := svc.Artifacts(context.Background(), *id)
	if err != nil {
		log.Fatalf("Failed to list artifacts for %s: %v", *id, err)
	}
	printJSON(keys)
}

func cmdArtifact(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("artifact", flag.ExitOnError)
	id := fs.String("id", "", "run id")
	key := fs.String("key", "", "artifact key")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)
	if *id == "" || *key == "" {
		log.Fatal("artifact: -id and -key are required")
	}

	svc, logger := newService(cfg, *verbose)
	defer syncLogger(logger)
	raw, err := svc.Artifact(context.Background(), *id, *key)
	if err != nil {
		log.Fatalf("Failed to read artifact %s/%s: %v", *id, *key, err)
	}
	os.Stdout.Write(raw)
	fmt.Println()
}

func cmdModelAdd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("model-add", flag.ExitOnError)
	file := fs.String("file", "", "model JSON file")
	_ = fs.Parse(args)
	if *file == "" {
		log.Fatal("model-add: -file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}
	model, err := registry.ParseModel(data)
	if err != nil {
		log.Fatalf("Invalid model payload: %v", err)
	}
	if err := registry.NewModels(cfg.ModelsDir).Create(model); err != nil {
		log.Fatalf("Failed to register model: %v", err)
	}
	printJSON(model)
}

func cmdModelList(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("model-list", flag.ExitOnError)
	_ = fs.Parse(args)

	models, err := registry.NewModels(cfg.ModelsDir).List()
	if err != nil {
		log.Fatalf("Failed to list models: %v", err)
	}
	printJSON(models)
}

func cmdPipelineAdd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("pipeline-add", flag.ExitOnError)
	file := fs.String("file", "", "pipeline JSON file")
	_ = fs.Parse(args)
	if *file == "" {
		log.Fatal("pipeline-add: -file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}
	var pipeline registry.Pipeline
	if err := json.Unmarshal(data, &pipeline); err != nil {
		log.Fatalf("Invalid pipeline payload: %v", err)
	}
	models := registry.NewModels(cfg.ModelsDir)
	if err := registry.NewPipelines(cfg.PipelinesDir, models).Create(pipeline); err != nil {
		log.Fatalf("Failed to register pipeline: %v", err)
	}
	printJSON(pipeline)
}

func cmdPipelineList(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("pipeline-list", flag.ExitOnError)
	_ = fs.Parse(args)

	pipelines, err := registry.NewPipelines(cfg.PipelinesDir, registry.NewModels(cfg.ModelsDir)).List()
	if err != nil {
		log.Fatalf("Failed to list pipelines: %v", err)
	}
	printJSON(pipelines)
}

func syncLogger(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(data))
}
