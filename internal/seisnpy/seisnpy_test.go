package seisnpy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChannel(t *testing.T, dir, stem string, samples []float64, sidecarJSON string) string {
	t.Helper()
	npyPath := filepath.Join(dir, stem+".npy")
	f, err := os.Create(npyPath)
	require.NoError(t, err)
	require.NoError(t, npyio.Write(f, samples))
	require.NoError(t, f.Close())
	if sidecarJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".json"), []byte(sidecarJSON), 0664))
	}
	return npyPath
}

func TestLoadChannel(t *testing.T) {
	dir := t.TempDir()
	path := writeChannel(t, dir, "03.BHU", []float64{1.5, -2.5, 3.0},
		`{"location": "03", "channel": "BHU",
		  "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 20.0}`)

	rec, err := LoadChannel(path)
	require.NoError(t, err)
	assert.Equal(t, "03", rec.Location)
	assert.Equal(t, "BHU", rec.Channel)
	assert.Equal(t, 20.0, rec.SampleRate)
	assert.Equal(t, time.Date(2018, 12, 21, 0, 0, 0, 0, time.UTC), rec.StartTime)
	assert.Equal(t, []float64{1.5, -2.5, 3.0}, rec.Samples)
}

func TestLoadChannelErrors(t *testing.T) {
	dir := t.TempDir()

	// No sidecar at all.
	orphan := writeChannel(t, dir, "orphan", []float64{1}, "")
	if _, err := LoadChannel(orphan); err == nil {
		t.Error("channel without a sidecar should fail")
	}

	// Sidecar with a bad sample rate.
	badRate := writeChannel(t, dir, "badrate", []float64{1},
		`{"location": "03", "channel": "X", "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 0}`)
	if _, err := LoadChannel(badRate); err == nil {
		t.Error("non-positive sample rate should fail")
	}

	// Sidecar with an unparseable start time.
	badTime := writeChannel(t, dir, "badtime", []float64{1},
		`{"location": "03", "channel": "X", "start_time": "last tuesday", "sample_rate": 20}`)
	if _, err := LoadChannel(badTime); err == nil {
		t.Error("unparseable start_time should fail")
	}

	// Sidecar that is not JSON.
	badJSON := writeChannel(t, dir, "badjson", []float64{1}, "{{{")
	if _, err := LoadChannel(badJSON); err == nil {
		t.Error("malformed sidecar JSON should fail")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, "03.BHV", []float64{4, 5},
		`{"location": "03", "channel": "BHV", "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 20}`)
	writeChannel(t, dir, "03.BHU", []float64{1, 2, 3},
		`{"location": "03", "channel": "BHU", "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 20}`)

	records, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Sorted by filename.
	assert.Equal(t, "BHU", records[0].Channel)
	assert.Equal(t, "BHV", records[1].Channel)
}

func TestLoadDirectoryEmpty(t *testing.T) {
	if _, err := LoadDirectory(t.TempDir()); err == nil {
		t.Error("directory without channels should fail")
	}
}

func TestLoadDirectoryStopsOnBadChannel(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, "03.BHU", []float64{1},
		`{"location": "03", "channel": "BHU", "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 20}`)
	writeChannel(t, dir, "03.BHV", []float64{1}, "") // missing sidecar

	if _, err := LoadDirectory(dir); err == nil {
		t.Error("a directory with one broken channel should fail wholesale")
	}
}
