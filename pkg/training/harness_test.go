package training

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/structlog"
	"cloudguard/pkg/synthetic"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("training-test", structlog.LevelError, io.Discard)
}

func smallConfig() Config {
	return Config{
		Anomaly:    anomaly.Config{NumTrees: 30, SampleSize: 128},
		Classifier: classifier.Config{NumTrees: 15},
		Seed:       42,
	}
}

func smallCorpus(t *testing.T) *synthetic.Dataset {
	t.Helper()
	ds := synthetic.NewGenerator(synthetic.Config{
		NormalEvents: 400,
		AttackEvents: 40,
		Entities:     20,
		Seed:         7,
	}).Generate()
	require.NotEmpty(t, ds.Events)
	require.Len(t, ds.Labels, len(ds.Events))
	return ds
}

func TestHarnessRun_ProducesCompleteBundle(t *testing.T) {
	ds := smallCorpus(t)
	h := NewHarness(feature.DefaultSchema(), smallConfig(), testLogger())

	bundle, err := h.Run(context.Background(), ds.Events, ds.Labels)
	require.NoError(t, err)
	require.NotNil(t, bundle.Anomaly)
	require.NotNil(t, bundle.Classifier)
	require.NotNil(t, bundle.Scaler)
	require.NotNil(t, bundle.Report)
	assert.True(t, bundle.Scaler.Fitted())

	r := bundle.Report
	assert.NotEmpty(t, r.ReportID)
	assert.Equal(t, len(ds.Events), r.CorpusSize)
	assert.Equal(t, r.CorpusSize, r.TrainSize+r.HoldoutSize)
	assert.Equal(t, feature.DefaultSchema().Hash(), r.SchemaHash)

	total := 0
	for _, n := range r.ClassCounts {
		total += n
	}
	assert.Equal(t, r.CorpusSize, total)

	require.NotNil(t, r.Classifier)
	require.NotNil(t, r.AnomalyDetector)
	assert.Len(t, r.Classifier.Confusion, classifier.NumClasses)

	impSum := 0.0
	for _, v := range r.FeatureImportances {
		impSum += v
	}
	assert.InDelta(t, 1.0, impSum, 1e-9)
}

func TestHarnessRun_HoldoutCoversEveryClass(t *testing.T) {
	ds := smallCorpus(t)
	h := NewHarness(feature.DefaultSchema(), smallConfig(), testLogger())

	bundle, err := h.Run(context.Background(), ds.Events, ds.Labels)
	require.NoError(t, err)

	for name, m := range bundle.Report.Classifier.PerClass {
		assert.Greater(t, m.Support, 0, "class %s has no holdout examples", name)
	}
}

func TestHarnessRun_SeparablesClassifyWell(t *testing.T) {
	ds := smallCorpus(t)
	h := NewHarness(feature.DefaultSchema(), smallConfig(), testLogger())

	bundle, err := h.Run(context.Background(), ds.Events, ds.Labels)
	require.NoError(t, err)

	// Synthetic scenarios are well separated; the fit should beat always-normal.
	normalShare := float64(bundle.Report.ClassCounts[classifier.Normal.String()]) / float64(bundle.Report.CorpusSize)
	assert.Greater(t, bundle.Report.Classifier.Accuracy, normalShare)
}

func TestHarnessRun_MissingClassFails(t *testing.T) {
	ds := smallCorpus(t)

	var events []event.NormalizedEvent
	var labels []classifier.Class
	for i, l := range ds.Labels {
		if l == classifier.CredentialCompromise {
			continue
		}
		events = append(events, ds.Events[i])
		labels = append(labels, l)
	}

	h := NewHarness(feature.DefaultSchema(), smallConfig(), testLogger())
	_, err := h.Run(context.Background(), events, labels)
	var ide *classifier.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, classifier.CredentialCompromise.String(), ide.Class)
}

func TestHarnessRun_MismatchedInputs(t *testing.T) {
	ds := smallCorpus(t)
	h := NewHarness(feature.DefaultSchema(), smallConfig(), testLogger())
	_, err := h.Run(context.Background(), ds.Events, ds.Labels[:len(ds.Labels)-1])
	require.Error(t, err)
}

func TestStratifiedSplit(t *testing.T) {
	labels := make([]classifier.Class, 0, 110)
	for i := 0; i < 100; i++ {
		labels = append(labels, classifier.Normal)
	}
	for i := 0; i < 10; i++ {
		labels = append(labels, classifier.Reconnaissance)
	}

	train, hold := stratifiedSplit(labels, 0.2, 1)
	assert.Equal(t, len(labels), len(train)+len(hold))

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, train...), hold...) {
		assert.False(t, seen[i], "index %d appears twice", i)
		seen[i] = true
	}

	holdRecon := 0
	for _, i := range hold {
		if labels[i] == classifier.Reconnaissance {
			holdRecon++
		}
	}
	assert.Equal(t, 2, holdRecon)
}

func TestEvaluate(t *testing.T) {
	truth := []classifier.Class{
		classifier.Normal, classifier.Normal, classifier.Normal,
		classifier.PrivilegeEscalation, classifier.PrivilegeEscalation,
		classifier.Reconnaissance,
	}
	pred := []classifier.Class{
		classifier.Normal, classifier.Normal, classifier.PrivilegeEscalation,
		classifier.PrivilegeEscalation, classifier.Normal,
		classifier.Reconnaissance,
	}

	e := Evaluate(truth, pred)
	assert.InDelta(t, 4.0/6.0, e.Accuracy, 1e-9)
	assert.Equal(t, 2, e.Confusion[classifier.Normal][classifier.Normal])
	assert.Equal(t, 1, e.Confusion[classifier.Normal][classifier.PrivilegeEscalation])
	assert.Equal(t, 1, e.Confusion[classifier.PrivilegeEscalation][classifier.Normal])

	pe := e.PerClass[classifier.PrivilegeEscalation.String()]
	assert.InDelta(t, 0.5, pe.Precision, 1e-9)
	assert.InDelta(t, 0.5, pe.Recall, 1e-9)
	assert.InDelta(t, 0.5, pe.F1, 1e-9)
	assert.Equal(t, 2, pe.Support)

	recon := e.PerClass[classifier.Reconnaissance.String()]
	assert.InDelta(t, 1.0, recon.Precision, 1e-9)
	assert.InDelta(t, 1.0, recon.Recall, 1e-9)
}

func TestEvaluateBinary(t *testing.T) {
	truth := []classifier.Class{
		classifier.Normal, classifier.Normal,
		classifier.PrivilegeEscalation, classifier.DataExfiltration,
	}
	degrees := []float64{0.2, 0.8, 0.9, 0.3}

	m := EvaluateBinary(truth, degrees, 0.7)
	assert.Equal(t, 1, m.TruePositive)
	assert.Equal(t, 1, m.FalsePositive)
	assert.Equal(t, 1, m.TrueNegative)
	assert.Equal(t, 1, m.FalseNegative)
	assert.InDelta(t, 0.5, m.Precision, 1e-9)
	assert.InDelta(t, 0.5, m.Recall, 1e-9)
}
