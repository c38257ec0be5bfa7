package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"redscan/internal/classify"
	"redscan/internal/dataset"
	"redscan/internal/endpoint"
	"redscan/internal/executor"
	"redscan/internal/fuzzer"
)

func main() {
	specPath := flag.String("spec", envOr("REDSCAN_SPEC", ""), "Path to endpoint spec file ('-' reads stdin)")
	datasets := flag.String("datasets", "all", "Comma-separated dataset names, or 'all'")
	manifestPath := flag.String("manifest", "", "Path to external dataset manifest YAML/JSON")
	promptsPath := flag.String("prompts", "", "Extra prompt file (one prompt per line) scanned as its own module")
	budget := flag.Int("budget", 0, "Max token budget for the scan (0=unlimited)")
	optimize := flag.Bool("optimize", false, "Enable adaptive early stopping per module")
	concurrency := flag.Int("concurrency", 5, "Max concurrent probes")
	rate := flag.Float64("rate", 10, "Probe requests per second")
	burst := flag.Int("burst", 5, "Rate limiter burst size")
	failureThreshold := flag.Float64("failure-threshold", 0.5, "Circuit breaker failure ratio")
	recoveryTimeout := flag.Duration("recovery-timeout", 30*time.Second, "Circuit breaker recovery timeout")
	timeout := flag.Duration("timeout", 90*time.Second, "Per-probe HTTP timeout")
	resultsPath := flag.String("results", "", "Write the full result log as CSV to this file")
	judgeSpecPath := flag.String("judge-spec", envOr("REDSCAN_JUDGE_SPEC", ""), "Endpoint spec file for the LLM judge detector")
	judgeTimeout := flag.Duration("judge-timeout", 30*time.Second, "Judge probe timeout")
	modelPath := flag.String("model", "", "Path to a fitted refusal model JSON")
	threshold := flag.Float64("threshold", 0, "Ensemble vote threshold override (0=default)")
	unanimous := flag.Bool("unanimous", false, "Require detector unanimity for a confident verdict")
	fitCorpus := flag.String("fit-corpus", "", "Fit a refusal model from this corpus file (one refusal per line) and exit")
	fitOut := flag.String("fit-out", "refusal_model.json", "Output path for the fitted model")
	fitMargin := flag.Float64("fit-margin", 0.1, "Threshold margin below the weakest training score")
	verifyOnly := flag.Bool("verify", false, "Send one verification probe and exit")
	flag.Parse()

	if strings.TrimSpace(*fitCorpus) != "" {
		fitModel(*fitCorpus, *fitOut, *fitMargin)
		return
	}

	specText, err := readSpec(*specPath)
	if err != nil {
		exitWith(err.Error())
	}
	spec, err := endpoint.Parse(specText)
	if err != nil {
		exitWith("invalid endpoint spec: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := endpoint.NewProber(endpoint.Config{TotalTimeout: *timeout})

	if *verifyOnly {
		result, err := prober.Verify(ctx, spec)
		if err != nil {
			exitWith("verification failed: " + err.Error())
		}
		printJSON(map[string]any{
			"status_code":     result.StatusCode,
			"body":            result.Body,
			"elapsed_seconds": result.ElapsedSeconds,
		})
		return
	}

	loaded, err := loadDatasets(*manifestPath, *datasets, *promptsPath)
	if err != nil {
		exitWith(err.Error())
	}

	classifier, err := buildClassifier(*modelPath, *judgeSpecPath, *judgeTimeout, *threshold, *unanimous)
	if err != nil {
		exitWith(err.Error())
	}

	scanner := fuzzer.New(fuzzer.Options{
		Executor: executor.Config{
			MaxConcurrent:    *concurrency,
			RequestRate:      *rate,
			Burst:            *burst,
			FailureThreshold: *failureThreshold,
			RecoveryTimeout:  *recoveryTimeout,
		},
		Prober:      prober,
		Classifier:  classifier,
		Optimize:    *optimize,
		ResultsPath: *resultsPath,
	})

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	encoder := json.NewEncoder(out)
	emit := func(record fuzzer.ScanResult) {
		_ = encoder.Encode(record)
		_ = out.Flush()
	}

	state, err := scanner.Scan(ctx, spec, *budget, loaded, emit)
	if err != nil {
		exitWith("scan failed: " + err.Error())
	}

	if failures := len(state.Failures()); failures > 0 {
		fmt.Fprintf(os.Stderr, "scan finished with %d failed probes\n", failures)
		os.Exit(1)
	}
}

func loadDatasets(manifestPath, names, promptsPath string) ([]*dataset.Dataset, error) {
	var selected []string
	if trimmed := strings.TrimSpace(names); trimmed != "" && !strings.EqualFold(trimmed, "all") {
		for _, name := range strings.Split(trimmed, ",") {
			if name = strings.TrimSpace(name); name != "" {
				selected = append(selected, name)
			}
		}
	}

	var loaded []*dataset.Dataset
	var err error
	if strings.TrimSpace(manifestPath) != "" {
		loaded, err = dataset.LoadManifest(manifestPath, selected, 0)
	} else {
		loaded, err = dataset.Load(selected, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("load datasets: %w", err)
	}

	if strings.TrimSpace(promptsPath) != "" {
		prompts, readErr := readLines(promptsPath)
		if readErr != nil {
			return nil, fmt.Errorf("read prompt file: %w", readErr)
		}
		name := strings.TrimSuffix(filepath.Base(promptsPath), filepath.Ext(promptsPath))
		loaded = append(loaded, dataset.FromPrompts(name, prompts, map[string]string{"source": "file"}))
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("no datasets selected")
	}
	return loaded, nil
}

func buildClassifier(modelPath, judgeSpecPath string, judgeTimeout time.Duration, threshold float64, unanimous bool) (*classify.Hybrid, error) {
	var model *classify.Model
	if strings.TrimSpace(modelPath) != "" {
		loaded, err := classify.LoadModel(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load refusal model: %w", err)
		}
		model = loaded
	}

	var judge classify.Detector
	if strings.TrimSpace(judgeSpecPath) != "" {
		text, err := os.ReadFile(filepath.Clean(judgeSpecPath))
		if err != nil {
			return nil, fmt.Errorf("read judge spec: %w", err)
		}
		judgeSpec, err := endpoint.Parse(string(text))
		if err != nil {
			return nil, fmt.Errorf("invalid judge spec: %w", err)
		}
		judge = classify.NewJudgeDetector(endpoint.NewProber(endpoint.Config{TotalTimeout: judgeTimeout}), judgeSpec, judgeTimeout)
	}

	opts := []classify.Option{}
	if threshold > 0 {
		opts = append(opts, classify.WithThreshold(threshold))
	}
	if unanimous {
		opts = append(opts, classify.WithUnanimity())
	}
	return classify.NewStandardEnsemble(model, judge, opts...), nil
}

func fitModel(corpusPath, outPath string, margin float64) {
	lines, err := readLines(corpusPath)
	if err != nil {
		exitWith("read corpus: " + err.Error())
	}
	model, err := classify.FitModel(lines, margin)
	if err != nil {
		exitWith("fit model: " + err.Error())
	}
	if err := classify.SaveModel(model, outPath); err != nil {
		exitWith("save model: " + err.Error())
	}
	fmt.Printf("Refusal model fitted\n")
	fmt.Printf("  corpus: %s (%d documents)\n", corpusPath, len(lines))
	fmt.Printf("  threshold: %.4f\n", model.Threshold)
	fmt.Printf("  output: %s\n", outPath)
}

func readSpec(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("REDSCAN_SPEC or -spec is required")
	}
	if path == "-" {
		data, err := readAllStdin()
		if err != nil {
			return "", fmt.Errorf("read spec from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read spec file: %w", err)
	}
	return string(data), nil
}

func readAllStdin() (string, error) {
	var builder strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteByte('\n')
	}
	return builder.String(), scanner.Err()
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		exitWith("failed to encode JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
