// cloudguard-train fits both models from a labeled corpus and writes the
// model artifacts plus the evaluation report to an output directory.
//
// The corpus comes either from a JSONL file of labeled events or, by
// default, from the synthetic scenario generator.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/structlog"
	"cloudguard/pkg/synthetic"
	"cloudguard/pkg/training"
)

type labeledEvent struct {
	Event event.NormalizedEvent `json:"event"`
	Label string                `json:"label"`
}

func main() {
	_ = godotenv.Load()

	var (
		corpusPath   = flag.String("corpus", "", "JSONL file of labeled events; empty generates a synthetic corpus")
		outDir       = flag.String("out", "models", "output directory for model artifacts and the report")
		seed         = flag.Int64("seed", 0, "random seed for the split and both fits; 0 means non-reproducible")
		normalEvents = flag.Int("synthetic-normal", 2000, "synthetic normal events")
		attackEvents = flag.Int("synthetic-attacks", 150, "synthetic events per attack class")
		entities     = flag.Int("synthetic-entities", 40, "synthetic entity count")
		holdout      = flag.Float64("holdout", training.DefaultHoldout, "held-out evaluation fraction")
		threshold    = flag.Float64("anomaly-threshold", 0.7, "anomaly flag threshold used in the comparison report")
	)
	flag.Parse()

	log := structlog.NewLogger("cloudguard-train", structlog.ParseLevel(os.Getenv("LOG_LEVEL")), os.Stdout)

	events, labels, err := loadCorpus(*corpusPath, *normalEvents, *attackEvents, *entities, *seed)
	if err != nil {
		log.Fatal("load corpus", structlog.Fields{"error": err.Error()})
	}
	log.Info("corpus loaded", structlog.Fields{"events": len(events), "source": corpusSource(*corpusPath)})

	schema := feature.DefaultSchema()
	harness := training.NewHarness(schema, training.Config{
		Holdout:          *holdout,
		AnomalyThreshold: *threshold,
		Seed:             *seed,
	}, log)

	bundle, err := harness.Run(context.Background(), events, labels)
	if err != nil {
		log.Fatal("training failed", structlog.Fields{"error": err.Error()})
	}

	if err := writeArtifacts(*outDir, bundle); err != nil {
		log.Fatal("write artifacts", structlog.Fields{"error": err.Error()})
	}

	r := bundle.Report
	log.Info("artifacts written", structlog.Fields{
		"dir":        *outDir,
		"report_id":  r.ReportID,
		"accuracy":   r.Classifier.Accuracy,
		"anomaly_f1": r.AnomalyDetector.F1,
	})
}

func corpusSource(path string) string {
	if path == "" {
		return "synthetic"
	}
	return path
}

func loadCorpus(path string, normal, attacks, entities int, seed int64) ([]event.NormalizedEvent, []classifier.Class, error) {
	if path == "" {
		ds := synthetic.NewGenerator(synthetic.Config{
			NormalEvents: normal,
			AttackEvents: attacks,
			Entities:     entities,
			Seed:         seed,
		}).Generate()
		return ds.Events, ds.Labels, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var events []event.NormalizedEvent
	var labels []classifier.Class
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var le labeledEvent
		if err := json.Unmarshal(sc.Bytes(), &le); err != nil {
			return nil, nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		label, err := classifier.ParseClass(le.Label)
		if err != nil {
			return nil, nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		events = append(events, le.Event)
		labels = append(labels, label)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read corpus: %w", err)
	}
	return events, labels, nil
}

func writeArtifacts(dir string, bundle *training.Bundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	anomBlob, err := bundle.Anomaly.Export()
	if err != nil {
		return fmt.Errorf("export anomaly model: %w", err)
	}
	clfBlob, err := bundle.Classifier.Export()
	if err != nil {
		return fmt.Errorf("export classifier model: %w", err)
	}
	scalerBlob, err := json.Marshal(bundle.Scaler)
	if err != nil {
		return fmt.Errorf("export scaler: %w", err)
	}
	reportBlob, err := json.MarshalIndent(bundle.Report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	files := map[string][]byte{
		"anomaly.json":    anomBlob,
		"classifier.json": clfBlob,
		"scaler.json":     scalerBlob,
		"report.json":     reportBlob,
	}
	for name, blob := range files {
		if err := os.WriteFile(filepath.Join(dir, name), blob, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
