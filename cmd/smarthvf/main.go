package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maruel/interrupt"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
	"smarthvf/pkg/config"
	"smarthvf/pkg/exam"
	"smarthvf/pkg/mask"
	"smarthvf/pkg/observer"
	"smarthvf/pkg/remote"
	"smarthvf/pkg/session"
	"smarthvf/pkg/store"
	"smarthvf/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "smarthvf.yaml", "Configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration file and exit")
	patientName := flag.String("patient", "", "Name of a new patient to test")
	patientAge := flag.Int("age", 0, "Age of the new patient")
	openPatient := flag.String("open", "", "Existing patient directory name, e.g. \"Joe Bob-09a669c5\"")
	eye := flag.String("eye", "left", "Eye to test: left or right")
	size := flag.String("size", "", "Goldmann stimulus size I..V (default from config)")
	dataDir := flag.String("data", "", "Data directory (default from config)")
	simulate := flag.Float64("simulate", -1, "Run against a simulated subject with this uniform threshold in [0, 1]")
	serve := flag.String("serve", "", "Serve the test surface over HTTP on this address, e.g. :8080")
	list := flag.Bool("list", false, "List stored patients and exit")
	render := flag.String("render", "", "Render the images of a stored test document and exit")
	outDir := flag.String("out", ".", "Output directory for -render")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if len(flag.Args()) != 0 {
		flag.Usage()
		os.Exit(1)
	}

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *size != "" {
		cfg.Field.StimulusSize = *size
	}

	if cfg.Output.Verbose || *verbose {
		level := slog.LevelInfo
		if *verbose {
			level = slog.LevelDebug
		}
		logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	codec, err := store.CodecFor(cfg.Storage.Format)
	if err != nil {
		log.Fatalf("Invalid storage format: %v", err)
	}
	st := store.New(cfg.Storage.DataDir, codec)

	if *list {
		if err := listPatients(st); err != nil {
			log.Fatalf("Failed to list patients: %v", err)
		}
		if cfg.Output.GalleryDir != "" {
			g := visualization.NewGallery(cfg.Output.GalleryDir, cfg.Output.Album)
			if err := listGallery(os.Stdout, g); err != nil {
				log.Fatalf("Failed to list gallery: %v", err)
			}
		}
		return
	}
	if *render != "" {
		if err := renderRecord(*render, *outDir); err != nil {
			log.Fatalf("Failed to render %s: %v", *render, err)
		}
		return
	}

	lat, err := models.ParseLaterality(*eye)
	if err != nil {
		log.Fatalf("%v", err)
	}
	stim, err := models.ParseStimulusSize(cfg.Field.StimulusSize)
	if err != nil {
		log.Fatalf("%v", err)
	}

	patient, err := openOrCreatePatient(st, *openPatient, *patientName, *patientAge)
	if err != nil {
		log.Fatalf("Failed to open patient: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("SMART HUMPHREY VISUAL FIELD TEST")
	fmt.Println("================================")
	fmt.Printf("Patient: %s (age %d)\n", patient.Name, patient.Age)
	fmt.Printf("Eye: %s, stimulus size %s\n", lat, stim)

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interrupt.Channel:
			cancel()
		case <-ctx.Done():
		}
	}()

	masks := mask.NewLibrary(cfg.Mapping.MaskDir)
	masks.Fallback = cfg.Mapping.FallbackMask
	masks.Width, masks.Height = cfg.Mapping.Width, cfg.Mapping.Height
	if fi, err := os.Stat(cfg.Mapping.MaskDir); err == nil && fi.IsDir() {
		go func() {
			if err := masks.Watch(ctx, nil); err != nil {
				logging.Logger().Warn("mask watcher stopped", "err", err)
			}
		}()
	}

	// Display and input chain
	console := newConsole(os.Stdout, *verbose)
	displays := multiDisplay{console}
	var inputs session.Multi
	var bridge *remote.Bridge
	if *serve != "" {
		bridge = remote.NewBridge(models.Bounds{}, remote.Options{AbortHold: cfg.Input.AbortHold})
		displays = append(displays, bridge)
		inputs = append(inputs, bridge)
		go func() {
			if err := bridge.ListenAndServe(ctx, *serve); err != nil {
				logging.Logger().Error("remote display failed", "err", err)
			}
		}()
		fmt.Printf("Test surface on http://%s/\n", *serve)
	}

	params := &exam.Params{
		Patient:      patient,
		Laterality:   lat,
		StimulusSize: stim,
		Config:       cfg,
		Masks:        masks,
		Store:        st,
	}
	if cfg.Output.GalleryDir != "" {
		params.Gallery = visualization.NewGallery(cfg.Output.GalleryDir, cfg.Output.Album)
	}

	if *simulate >= 0 {
		// the simulated subject answers on a manual clock, far faster than real time
		clk := session.NewManualClock(time.Now())
		obs := observer.New(observer.Config{
			Threshold: observer.Uniform(*simulate),
			Latency:   300 * time.Millisecond,
		}, clk, displays)
		params.Display = obs
		params.Input = append(inputs, obs)
		params.Clock = clk
		params.Drive = exam.ManualDriver(clk, cfg.TickInterval())
		params.OnPointComplete = func(i int, p models.FieldPoint) {
			obs.PointComplete(i, p)
			console.PointComplete(i, p)
		}
		fmt.Printf("Simulated subject with threshold %.2f\n", *simulate)
	} else {
		latch := &session.Latch{}
		go readTerminal(ctx, os.Stdin, latch)
		params.Display = displays
		params.Input = append(inputs, latch)
		params.OnPointComplete = console.PointComplete
		fmt.Println("Press Enter whenever a stimulus is seen, q then Enter to stop the test.")
	}

	e, err := exam.New(params)
	if err != nil {
		log.Fatalf("Failed to prepare test: %v", err)
	}
	console.total = len(e.Layout().Points)
	if bridge != nil {
		bridge.SetBounds(e.Layout().Bounds)
	}

	startTime := time.Now()
	out, err := e.Run(ctx)
	if err != nil {
		log.Fatalf("Test failed: %v", err)
	}
	if bridge != nil && out.Record.Mapped() {
		if err := bridge.SetMap(out.Record.Raster); err != nil {
			log.Printf("Warning: Failed to publish eye map: %v", err)
		}
	}

	printOutcome(out, time.Since(startTime))
}

// openOrCreatePatient loads dirName when set, otherwise creates a new
// patient record.
func openOrCreatePatient(st *store.Store, dirName, name string, age int) (*models.Patient, error) {
	if dirName != "" {
		return st.FindPatient(dirName)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("either -patient or -open is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid patient name %q", name)
	}
	p := models.NewPatient(name, age)
	if err := st.CreatePatient(p); err != nil {
		return nil, err
	}
	fmt.Printf("Created patient %s\n", p.DirName())
	return p, nil
}

func listPatients(st *store.Store) error {
	names, err := st.ListPatients()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No patients stored")
		return nil
	}
	for _, name := range names {
		p, err := st.FindPatient(name)
		if err != nil {
			fmt.Printf("%-40s (unreadable: %v)\n", name, err)
			continue
		}
		fmt.Printf("%-40s age %3d, %d test(s)\n", name, p.Age, len(p.History()))
		for _, rec := range p.History() {
			fmt.Printf("    %s %-5s %-3s %s\n", rec.ID, rec.Laterality, rec.StimulusSize, rec.Outcome)
		}
	}
	return nil
}

// listGallery prints the images exported to g.
func listGallery(w io.Writer, g *visualization.Gallery) error {
	names, err := g.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nGallery %s: %d image(s)\n", g.Path(), len(names))
	for _, name := range names {
		fmt.Fprintf(w, "    %s\n", name)
	}
	return nil
}

// renderRecord writes the map and field snapshot of a stored test into dir.
func renderRecord(path, dir string) error {
	rec, err := store.LoadRecord(path)
	if err != nil {
		return err
	}
	written := 0
	if rec.Mapped() {
		target := filepath.Join(dir, rec.ID+"-map.png")
		if err := visualization.SaveImage(visualization.RasterImage(rec.Raster), target); err != nil {
			return err
		}
		fmt.Printf("Eye map saved to: %s\n", target)
		written++
	}
	if len(rec.Field) > 0 {
		img, err := visualization.Snapshot(rec.Field, rec.Bounds, rec.StepSize,
			visualization.SnapshotSize, visualization.SnapshotSize, color.Gray{})
		if err != nil {
			return err
		}
		target := filepath.Join(dir, rec.ID+"-field.png")
		if err := visualization.SaveImage(img, target); err != nil {
			return err
		}
		fmt.Printf("Field snapshot saved to: %s\n", target)
		written++
	}
	if written == 0 {
		return errors.New("nothing to render")
	}
	return nil
}

func printOutcome(out *exam.Outcome, elapsed time.Duration) {
	rec := out.Record
	fmt.Printf("\nTest %s after %.1f seconds (%d of %d points)\n",
		out.State, elapsed.Seconds(), rec.PointsCompleted, len(rec.Field))

	switch {
	case out.Persisted && out.RecordPath != "":
		fmt.Printf("Record saved to: %s\n", out.RecordPath)
	case !out.Persisted:
		fmt.Println("Record discarded")
	}
	if out.Unmapped {
		fmt.Println("No eye map template available, record kept without a map")
	}
	for _, p := range out.Exported {
		fmt.Printf("Exported: %s\n", p)
	}

	if out.State != session.Completed {
		return
	}
	m := out.Metrics
	fmt.Printf("\nField summary:\n")
	fmt.Printf("==============\n")
	fmt.Printf("Mean threshold: %.3f (sd %.3f)\n", m.MeanThreshold, m.StdThreshold)
	fmt.Printf("Mean sensitivity: %.3f\n", m.MeanSensitivity)
	fmt.Printf("Seen at the dimmest level: %d\n", m.FloorCount)
	fmt.Printf("Never seen: %d\n", m.BlindCount)
	if rec.Mapped() {
		fmt.Printf("Mean eye map value: %.3f\n", m.MeanMap)
	}
}
