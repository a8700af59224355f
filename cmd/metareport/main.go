// Command metareport extracts the metadata of a batch of captures and
// reports which fields are stable across the batch, the groundwork for
// writing a metadata spec or a camera database entry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"synthflat/pkg/metadata"
)

func main() {
	inputDir := flag.String("input", "", "Directory containing the captures to analyze")
	exiftool := flag.String("exiftool", "", "Metadata extraction command (default: exiftool on PATH)")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	asJSON := flag.Bool("json", false, "Emit the analysis as JSON instead of a table")
	flag.Parse()

	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entries, err := os.ReadDir(*inputDir)
	if err != nil {
		log.Fatalf("Failed to list input directory: %v", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(*inputDir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		log.Fatalf("No files found in %s", *inputDir)
	}

	extractor := metadata.NewExtractor()
	if *exiftool != "" {
		extractor.Command = *exiftool
	}

	batch, err := extractBatch(ctx, extractor, files, *numCores)
	if err != nil {
		log.Fatalf("Metadata extraction failed: %v", err)
	}
	analysis := metadata.Analyze(batch)

	if *asJSON {
		out, err := json.MarshalIndent(analysis, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode analysis: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Analyzed %d files, %d distinct fields\n\n", len(batch), len(analysis))
	fmt.Printf("%-40s %8s  %s\n", "FIELD", "DISTINCT", "VALUE")
	for _, field := range analysis.Fields() {
		values := analysis[field]
		display := values[0]
		if len(values) > 1 {
			display = "(multiple: " + strings.Join(truncate(values, 3), ", ") + ")"
		}
		fmt.Printf("%-40s %8d  %s\n", field, len(values), display)
	}
}

// extractBatch runs the extractor over every file with a bounded
// worker fan-out, preserving file order in the result.
func extractBatch(ctx context.Context, extractor *metadata.Extractor, files []string, workers int) ([]map[string]string, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(files) {
		workers = len(files)
	}

	type result struct {
		index int
		meta  map[string]string
		err   error
	}
	jobs := make(chan int)
	results := make(chan result, len(files))

	for w := 0; w < workers; w++ {
		go func() {
			for idx := range jobs {
				meta, err := extractor.ExtractFile(ctx, files[idx])
				results <- result{index: idx, meta: meta, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range files {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	batch := make([]map[string]string, len(files))
	var firstErr error
	for i := 0; i < len(files); i++ {
		select {
		case res := <-results:
			if res.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", filepath.Base(files[res.index]), res.err)
			}
			batch[res.index] = res.meta
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return batch, nil
}

// truncate limits a value list for display.
func truncate(values []string, max int) []string {
	if len(values) <= max {
		return values
	}
	out := append([]string(nil), values[:max]...)
	return append(out, "...")
}
