package main

import (
	"context"
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
	"time"

	"synthflat/pkg/camera"
	"synthflat/pkg/config"
	"synthflat/pkg/flatgen"
	"synthflat/pkg/metadata"
	"synthflat/pkg/mosaic"
	"synthflat/pkg/rawdecode"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing the raw flat captures")
	outputName := flag.String("output", "master_flat.dng", "Output flat filename")
	paramsFile := flag.String("params", "", "Processing parameters YAML file (required)")
	specFile := flag.String("metadata-spec", "", "Metadata spec YAML file")
	cameraDB := flag.String("camera-db", "", "Camera database YAML file")
	patternArg := flag.String("pattern", "RGGB", "Mosaic pattern of the captures (overridden by a camera match)")
	bitDepth := flag.Int("bit-depth", 14, "Significant bits per sample in the captures")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	exiftool := flag.String("exiftool", "", "Metadata extraction command (default: exiftool on PATH)")
	noExtract := flag.Bool("no-metadata", false, "Skip per-frame metadata extraction")
	verbose := flag.Bool("verbose", false, "Print per-step progress")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" || *paramsFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := collectCaptures(*inputDir)
	if err != nil {
		log.Fatalf("Failed to list input captures: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("No captures found in %s", *inputDir)
	}

	proc, err := config.LoadProcessingParameters(*paramsFile)
	if err != nil {
		log.Fatalf("Failed to load processing parameters: %v", err)
	}

	var spec []metadata.SpecEntry
	if *specFile != "" {
		spec, err = config.LoadMetadataSpec(*specFile)
		if err != nil {
			log.Fatalf("Failed to load metadata spec: %v", err)
		}
	}

	var extractor *metadata.Extractor
	if !*noExtract {
		extractor = metadata.NewExtractor()
		if *exiftool != "" {
			extractor.Command = *exiftool
		}
	}

	pattern, err := mosaic.ParsePattern(*patternArg)
	if err != nil {
		log.Fatalf("Invalid -pattern value: %v", err)
	}

	// A camera database match overrides the pattern flag and seeds
	// copy-if-stable entries for the camera's master flat fields.
	if *cameraDB != "" {
		if extractor == nil {
			log.Fatal("-camera-db requires metadata extraction (remove -no-metadata)")
		}
		pattern, spec, err = applyCameraDB(ctx, *cameraDB, extractor, files[0], pattern, spec)
		if err != nil {
			log.Fatalf("Camera database lookup failed: %v", err)
		}
	}

	fmt.Println("================================")
	fmt.Println("SYNTHETIC FLAT GENERATION")
	fmt.Println("================================")
	fmt.Printf("Input: %d captures from %s\n", len(files), *inputDir)
	fmt.Printf("Pattern: %s, bit depth: %d, method: %s\n", pattern, *bitDepth, proc.Method)

	params := &flatgen.Params{
		Files:      files,
		OutputFile: *outputName,
		NumWorkers: *numCores,
		Decoder:    &rawdecode.TIFFDecoder{Pattern: pattern, BitDepth: *bitDepth},
		Extractor:  extractor,
		Processing: proc,
		Spec:       spec,
		Verbose:    *verbose,
	}

	gen, err := flatgen.NewGenerator(params)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	startTime := time.Now()
	result, err := gen.Run(ctx)
	if err != nil {
		log.Fatalf("Flat generation failed: %v", err)
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nFlat generation completed in %.2f seconds!\n", elapsed.Seconds())
	fmt.Printf("Output saved to: %s\n", result.OutputFile)
	fmt.Printf("Frames used: %d, excluded: %d\n", result.FramesUsed, result.FramesExcluded)
	for _, f := range result.Frames {
		if f.Excluded {
			fmt.Printf("  excluded: %s\n", filepath.Base(f.Path))
		}
	}

	fmt.Println("\nPer-channel statistics:")
	labels := make([]string, 0, len(result.Stats))
	for l := range result.Stats {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		s := result.Stats[l]
		fmt.Printf("  %-2s mean=%.1f stddev=%.1f range=[%d, %d]\n", l, s.Mean, s.StdDev, s.Min, s.Max)
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, w := range result.Warnings {
			fmt.Printf("  [%s] %s\n", w.Stage, w.Message)
		}
	}
}

// collectCaptures lists the decodable capture files of a directory in
// name order.
func collectCaptures(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyCameraDB matches the first capture against the camera database.
// A match supplies the mosaic pattern and appends copy-if-stable spec
// entries for the camera's master flat fields; no match keeps the
// command line values.
func applyCameraDB(ctx context.Context, dbPath string, extractor *metadata.Extractor, probe string, pattern mosaic.Pattern, spec []metadata.SpecEntry) (mosaic.Pattern, []metadata.SpecEntry, error) {
	db, err := camera.Load(dbPath)
	if err != nil {
		return pattern, spec, err
	}
	meta, err := extractor.ExtractFile(ctx, probe)
	if err != nil {
		return pattern, spec, fmt.Errorf("failed to probe %s: %w", filepath.Base(probe), err)
	}
	cam := db.Match(meta)
	if cam == nil {
		fmt.Println("No camera database match; using command line pattern")
		return pattern, spec, nil
	}
	fmt.Printf("Matched camera: %s\n", cam.Name)

	matched, err := cam.Pattern(meta)
	if err != nil {
		return pattern, spec, err
	}

	// Spec entries win over database seeds, so only add fields the
	// spec does not already name.
	named := make(map[string]bool, len(spec))
	for _, entry := range spec {
		named[entry.Field] = true
	}
	for _, field := range cam.MasterFlatFields() {
		if !named[field] {
			spec = append(spec, metadata.SpecEntry{Field: field, CopyIfStable: true})
		}
	}
	return matched, spec, nil
}
