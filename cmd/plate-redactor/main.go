package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	plateredactor "github.com/menta2k/plate-redactor"
	"github.com/menta2k/plate-redactor/internal/config"
	"github.com/menta2k/plate-redactor/internal/logging"
	"github.com/menta2k/plate-redactor/internal/utils"
	"github.com/menta2k/plate-redactor/pkg/batch"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/types"
)

func usage(fs *flag.FlagSet) {
	name := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s [flags] image|dir|url ... enhance and redact images into -out\n", name)
	fmt.Fprintf(os.Stderr, "  %s serve [flags]             run the HTTP API\n\n", name)
	fs.PrintDefaults()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		err = serve(ctx, os.Args[2:])
	} else {
		err = run(ctx, os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, logLevel string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", config.GetConfigPath(), "config file (JSON)")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	env := fs.String("env", "production", "environment reported by /api/health")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	svc, err := plateredactor.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler, err := svc.Handler(*env)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("plate-redactor listening", "addr", cfg.Server.Addr, "backend", cfg.Detector.Backend, "version", plateredactor.Version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// itemReport is one line of the batch report file
type itemReport struct {
	Input          string          `json:"input"`
	Output         string          `json:"output,omitempty"`
	Skipped        bool            `json:"skipped,omitempty"`
	Abandoned      bool            `json:"abandoned,omitempty"`
	PlateRedacted  bool            `json:"plate_redacted"`
	Message        string          `json:"message,omitempty"`
	Box            *types.PixelBox `json:"box,omitempty"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	DetectionError string          `json:"detection_error,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plate-redactor", flag.ExitOnError)
	fs.Usage = func() { usage(fs) }

	configPath := fs.String("config", config.GetConfigPath(), "config file (JSON)")
	outDir := fs.String("out", "out", "output directory")
	level := fs.String("level", "", "enhancement level: light|medium|strong (default from config)")
	enhance := fs.Bool("enhance", true, "apply the enhancement level")
	blur := fs.Bool("blur", true, "detect and redact the license plate")
	backend := fs.String("backend", "", "detector backend: platerecognizer|ollama|llamacpp|none")
	model := fs.String("model", "", "vision model name")
	visionURL := fs.String("url", "", "vision server URL")
	concurrency := fs.Int("concurrency", 0, "images processed at once (default from config)")
	preResize := fs.Bool("preresize", false, "shrink large inputs before processing like the web client")
	debug := fs.Bool("debug", false, "write debug overlays with the detected plate box")
	force := fs.Bool("force", false, "reprocess images whose output already exists")
	testVision := fs.Bool("test-vision", false, "ask the vision model to describe the first image and exit")
	prompt := fs.String("prompt", "", "file holding a plate prompt for vision backends")
	saveConfig := fs.String("save-config", "", "write the effective config to this file")
	version := fs.Bool("version", false, "print the version and exit")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	fs.Parse(args)

	if *version {
		fmt.Println(plateredactor.GetVersion())
		return nil
	}
	if fs.NArg() == 0 && *saveConfig == "" {
		usage(fs)
		return errors.New("no input images")
	}

	cfg, logger, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		return err
	}

	// Only flags given on the command line override the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "level":
			cfg.Enhance.DefaultLevel = *level
		case "enhance":
			cfg.Enhance.Enabled = *enhance
		case "blur":
			cfg.Enhance.BlurPlate = *blur
		case "backend":
			cfg.Detector.Backend = *backend
		case "model":
			cfg.Detector.Model = *model
		case "url":
			cfg.Detector.VisionURL = *visionURL
		case "concurrency":
			cfg.Batch.Concurrency = *concurrency
		}
	})
	if *prompt != "" {
		data, err := os.ReadFile(*prompt)
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		cfg.Detector.Prompt = string(data)
	}

	if *saveConfig != "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.SaveToFile(*saveConfig); err != nil {
			return err
		}
		logger.Info("config saved", "file", *saveConfig)
		if fs.NArg() == 0 {
			return nil
		}
	}

	svc, err := plateredactor.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	files, err := utils.ExpandInputs(fs.Args())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no image files found")
	}

	processor := processing.NewProcessor()

	if *testVision {
		img, err := processor.LoadImageSmart(files[0])
		if err != nil {
			return err
		}
		answer, err := svc.TestVision(ctx, img)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	}

	if err := utils.EnsureDir(*outDir); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	opts := svc.DefaultOptions()
	items := make([]batch.Item, len(files))
	// sources keeps decoded inputs for debug overlays until their item is written
	sources := make([]types.ImageBuffer, len(files))
	for i, input := range files {
		items[i] = batch.Item{Name: input, Options: opts}

		if !*force && utils.FileExists(utils.OutputPath(input, *outDir, "png")) {
			items[i].Skip = true
			continue
		}

		items[i].Load = func() (types.ImageBuffer, error) {
			img, err := processor.LoadImageSmart(input)
			if err != nil {
				return types.ImageBuffer{}, err
			}
			if *preResize {
				before := img.Size()
				img = processor.PreResize(img, cfg.Batch.PreResizeBytes, cfg.Batch.PreResizeWidth, cfg.Batch.PreResizeHeight, cfg.Batch.PreResizeQuality)
				if img.Size() != before {
					logger.Info("pre-resized image", "file", input, "from", utils.FormatFileSize(int64(before)), "to", utils.FormatFileSize(int64(img.Size())))
				}
			}
			if *debug {
				sources[i] = img
			}
			return img, nil
		}
	}

	logger.Info("starting batch", "images", len(items), "level", opts.Level.Name, "enhance", opts.Enhance, "blur_plate", opts.BlurPlate)

	reports := make([]itemReport, len(items))
	writeFailures := 0
	summary := svc.RunBatch(ctx, items, func(r batch.ItemResult) {
		rep := itemReport{Input: r.Name, Skipped: r.Skipped}
		switch {
		case r.Skipped:
			logger.Info("skipping processed image", "file", r.Name, "progress", r.Progress.Percent())
		case r.Err != nil:
			rep.Error = r.Err.Error()
			logger.Error("image failed", "file", r.Name, "error", r.Err, "progress", r.Progress.Percent())
		default:
			rep = writeOutputs(logger, processor, sources[r.Index], r, *outDir, *debug)
			sources[r.Index] = types.ImageBuffer{}
			if rep.Error != "" {
				writeFailures++
				break
			}
			logger.Info("image done", "file", r.Name, "redacted", r.Result.PlateRedacted, "progress", r.Progress.Percent())
		}
		reports[r.Index] = rep
	})

	for _, r := range summary.Results {
		if r.Abandoned {
			reports[r.Index] = itemReport{Input: r.Name, Abandoned: true}
		}
	}

	js, err := json.MarshalIndent(reports, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(*outDir, "report.json"), js, 0o644)
	}
	if err != nil {
		logger.Warn("failed to write report", "error", err)
	}

	logger.Info("batch finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"abandoned", summary.Abandoned,
		"write_failures", writeFailures,
		"duration", summary.Duration.Round(time.Millisecond),
	)

	if summary.Cancelled {
		return errors.New("batch cancelled")
	}
	if failed := summary.Failed + writeFailures; failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(items))
	}
	return nil
}

// writeOutputs saves the processed image and, with debug, an overlay of the
// detected box on source. rep.Error is set when the output could not be saved.
func writeOutputs(logger *slog.Logger, processor *processing.Processor, source types.ImageBuffer, r batch.ItemResult, outDir string, debug bool) itemReport {
	res := r.Result
	rep := itemReport{
		Input:          r.Name,
		PlateRedacted:  res.PlateRedacted,
		Message:        res.Message,
		SkipReason:     string(res.SkipReason),
		DetectionError: res.DetectionError,
	}
	if res.Redaction != nil && res.Redaction.Applied {
		box := res.Redaction.Box
		rep.Box = &box
	}

	out := utils.OutputPath(r.Name, outDir, "png")
	if err := os.WriteFile(out, res.Image.Data, 0o644); err != nil {
		rep.Error = err.Error()
		logger.Error("failed to write output", "file", out, "error", err)
		return rep
	}
	rep.Output = out

	if debug && res.Detection != nil {
		img, _, err := processor.Decode(source.Data)
		if err != nil {
			logger.Warn("debug overlay skipped", "file", r.Name, "error", err)
			return rep
		}
		overlay := processor.CreateDebugOverlay(img, res.Detection.Box)
		data, err := processor.Encode(overlay, types.FormatPNG, 0)
		if err == nil {
			err = os.WriteFile(utils.DebugPath(r.Name, outDir), data, 0o644)
		}
		if err != nil {
			logger.Warn("debug overlay save failed", "file", r.Name, "error", err)
		}
	}
	return rep
}
