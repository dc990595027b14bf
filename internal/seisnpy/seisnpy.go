// Package seisnpy loads decoded waveform channels from NumPy .npy files with
// JSON sidecar metadata. It is the loader boundary of the streaming core:
// samples arrive already decoded from the archive's binary seismic format and
// gap-merged, one float64 array per channel.
//
// For a channel file data/03.BHU.npy the sidecar is data/03.BHU.json:
//
//	{"location": "03", "channel": "BHU",
//	 "start_time": "2018-12-21T00:00:00.000000Z", "sample_rate": 20.0}
package seisnpy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sbinet/npyio"
)

// Record is one decoded channel: the sample array plus the metadata the
// waveform model needs to place it in time.
type Record struct {
	Location   string
	Channel    string
	StartTime  time.Time
	SampleRate float64
	Samples    []float64
}

// sidecar mirrors the JSON metadata file accompanying each .npy array.
type sidecar struct {
	Location   string  `json:"location"`
	Channel    string  `json:"channel"`
	StartTime  string  `json:"start_time"`
	SampleRate float64 `json:"sample_rate"`
}

// LoadChannel reads one channel from a .npy file and its JSON sidecar.
func LoadChannel(npyPath string) (Record, error) {
	var rec Record

	metaPath := strings.TrimSuffix(npyPath, filepath.Ext(npyPath)) + ".json"
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return rec, fmt.Errorf("channel %s has no readable sidecar: %w", npyPath, err)
	}
	var meta sidecar
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return rec, fmt.Errorf("invalid sidecar %s: %w", metaPath, err)
	}
	if meta.SampleRate <= 0 {
		return rec, fmt.Errorf("sidecar %s: sample rate must be positive, got %g", metaPath, meta.SampleRate)
	}
	start, err := time.Parse(time.RFC3339Nano, meta.StartTime)
	if err != nil {
		return rec, fmt.Errorf("sidecar %s: unparseable start_time %q: %w", metaPath, meta.StartTime, err)
	}

	f, err := os.Open(npyPath)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	var samples []float64
	if err := npyio.Read(f, &samples); err != nil {
		return rec, fmt.Errorf("could not read %s: %w", npyPath, err)
	}

	rec = Record{
		Location:   meta.Location,
		Channel:    meta.Channel,
		StartTime:  start.UTC(),
		SampleRate: meta.SampleRate,
		Samples:    samples,
	}
	return rec, nil
}

// LoadDirectory reads every .npy channel in a directory, sorted by filename.
func LoadDirectory(dir string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.npy"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .npy channel files in %s", dir)
	}
	sort.Strings(paths)

	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		rec, err := LoadChannel(p)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
