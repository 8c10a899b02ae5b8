/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package persist

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// StatsRecord is one statistics-log line's worth of data for a single
// source, carrying the columns §6 names: date-time, address, std-dev,
// est-offset, offset-sd, frequency, skew, stress, n_samples, best_start,
// n_runs.
type StatsRecord struct {
	Time          time.Time
	Address       string
	StdDev        float64
	EstOffsetSec  float64
	OffsetSDSec   float64
	FrequencyPPM  float64
	SkewPPM       float64
	Stress        float64
	NSamples      int
	BestStart     int
	NRuns         int
}

var statsHeader = []string{
	"date_time", "address", "std_dev", "est_offset", "offset_sd",
	"frequency", "skew", "stress", "n_samples", "best_start", "n_runs",
}

func (r StatsRecord) csvFields() []string {
	return []string{
		r.Time.UTC().Format(time.RFC3339Nano),
		r.Address,
		strconv.FormatFloat(r.StdDev, 'e', -1, 64),
		strconv.FormatFloat(r.EstOffsetSec, 'e', -1, 64),
		strconv.FormatFloat(r.OffsetSDSec, 'e', -1, 64),
		strconv.FormatFloat(r.FrequencyPPM, 'e', -1, 64),
		strconv.FormatFloat(r.SkewPPM, 'e', -1, 64),
		strconv.FormatFloat(r.Stress, 'e', -1, 64),
		strconv.Itoa(r.NSamples),
		strconv.Itoa(r.BestStart),
		strconv.Itoa(r.NRuns),
	}
}

// StatsLogger is the per-source statistics log, CSV-shaped like
// fbclock/daemon.CSVLogger: one header row, then one row per recorded
// update, flushed after every write since the log is low-volume and
// crash-visibility matters more than batching here.
type StatsLogger struct {
	w             *csv.Writer
	printedHeader bool
}

// NewStatsLogger wraps w as a StatsLogger.
func NewStatsLogger(w io.Writer) *StatsLogger {
	return &StatsLogger{w: csv.NewWriter(w)}
}

// Log appends one record, writing the header first if this is the
// logger's first call.
func (l *StatsLogger) Log(r StatsRecord) error {
	if !l.printedHeader {
		if err := l.w.Write(statsHeader); err != nil {
			return err
		}
		l.printedHeader = true
	}
	if err := l.w.Write(r.csvFields()); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}
