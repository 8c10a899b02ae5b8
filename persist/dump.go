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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/netsyncd/ntpd/stats"
)

// WriteSampleDump writes one source's sample history in the line format
// §6 specifies: a count line, then one line per sample carrying the raw
// timestamp as hex seconds/microseconds followed by the offset, delay
// and dispersion fields. The trailing "weight_unused" column is always
// written as 0: chrony-lineage dump files carry it for historical
// compatibility but nothing in this daemon reads it back.
func WriteSampleDump(path string, samples []stats.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "%d\n", len(samples)); err != nil {
		return err
	}
	for _, s := range samples {
		sec := s.Time.Unix()
		usec := s.Time.Nanosecond() / 1000
		if _, err := fmt.Fprintf(w, "%08X %05X %.9f %.9f %.9f %.9f %.9f %.9f %.4f %d\n",
			sec, usec,
			s.Offset.Seconds(), s.OrigOffset.Seconds(),
			s.PeerDelay.Seconds(), s.PeerDispersion.Seconds(),
			s.RootDelay.Seconds(), s.RootDispersion.Seconds(),
			0.0, s.Stratum,
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadSampleDump reads back a dump written by WriteSampleDump. Offsets,
// delays and dispersions round-trip as time.Duration; the sample's raw
// time is reconstructed from the hex seconds/microseconds pair.
func ReadSampleDump(r io.Reader) ([]stats.Sample, error) {
	br := bufio.NewReader(r)
	var n int
	if _, err := fmt.Fscanln(br, &n); err != nil {
		return nil, fmt.Errorf("persist: sample dump: count line: %w", err)
	}

	out := make([]stats.Sample, 0, n)
	for i := 0; i < n; i++ {
		var secHex, usecHex string
		var offset, origOffset, delay, disp, rootDelay, rootDisp, weight float64
		var stratum uint8
		nread, err := fmt.Fscanln(br, &secHex, &usecHex, &offset, &origOffset, &delay, &disp, &rootDelay, &rootDisp, &weight, &stratum)
		if err != nil {
			return nil, fmt.Errorf("persist: sample dump: line %d: %w", i+1, err)
		}
		if nread != 10 {
			return nil, fmt.Errorf("persist: sample dump: line %d: expected 10 fields, got %d", i+1, nread)
		}
		var sec, usec int64
		if _, err := fmt.Sscanf(secHex, "%X", &sec); err != nil {
			return nil, err
		}
		if _, err := fmt.Sscanf(usecHex, "%X", &usec); err != nil {
			return nil, err
		}
		out = append(out, sampleFromDump(sec, usec, offset, origOffset, delay, disp, rootDelay, rootDisp, stratum))
	}
	return out, nil
}
