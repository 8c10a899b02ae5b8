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

package stats

import "math"

// SDToDistRatio is R in the weight formula w_i = (1 + R*(d_i-min_d)/sd)^2.
// Two historical variants exist upstream; this implementation adopts
// R=1.0 with sd = mean_d - min_d, per the resolved open question (see
// DESIGN.md).
const SDToDistRatio = 1.0

// regressionFit is the result of one weighted-least-squares pass.
type regressionFit struct {
	slope          float64
	intercept      float64
	residualVar    float64
	slopeSD        float64
	interceptSD    float64
	nRuns          int
	ok             bool
}

// weightedLinearRegression fits y = intercept + slope*x with per-point
// weights, returning the fit plus its residual statistics. x is expected
// sample-time-minus-newest (so x <= 0), y is offset in seconds.
func weightedLinearRegression(x, y, w []float64) regressionFit {
	n := len(x)
	if n < 3 {
		return regressionFit{}
	}

	var sw, swx, swy, swxx, swxy float64
	for i := 0; i < n; i++ {
		sw += w[i]
		swx += w[i] * x[i]
		swy += w[i] * y[i]
		swxx += w[i] * x[i] * x[i]
		swxy += w[i] * x[i] * y[i]
	}
	denom := sw*swxx - swx*swx
	if denom == 0 {
		return regressionFit{}
	}

	slope := (sw*swxy - swx*swy) / denom
	intercept := (swxx*swy - swx*swxy) / denom

	var sumSqResid float64
	runs, lastSign := 0, 0
	for i := 0; i < n; i++ {
		resid := y[i] - (intercept + slope*x[i])
		sumSqResid += w[i] * resid * resid
		sign := 1
		if resid < 0 {
			sign = -1
		}
		if sign != lastSign {
			runs++
			lastSign = sign
		}
	}

	dof := n - 2
	if dof < 1 {
		dof = 1
	}
	sigma2 := sumSqResid / float64(dof)
	slopeSD := math.Sqrt(sigma2 * sw / denom)
	interceptSD := math.Sqrt(sigma2 * swxx / denom)

	return regressionFit{
		slope:       slope,
		intercept:   intercept,
		residualVar: sigma2,
		slopeSD:     slopeSD,
		interceptSD: interceptSD,
		nRuns:       runs,
		ok:          true,
	}
}

// tCoefficient approximates the two-tailed 97.5th-percentile Student's-t
// multiplier for a 95% confidence interval at the given degrees of
// freedom, the same table shape every NTP daemon in this lineage embeds
// rather than computing the incomplete beta function at runtime.
func tCoefficient(dof int) float64 {
	table := []float64{
		0, 12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262,
		2.228, 2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093,
		2.086, 2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045,
	}
	if dof < 1 {
		return table[1]
	}
	if dof < len(table) {
		return table[dof]
	}
	return 1.96
}

// bestStartSearch tries discarding the oldest d points (d = 0..maxDiscard)
// and returns the fit and discard count that minimizes slope standard
// deviation while keeping at least minPoints samples - this is how the
// engine tightens the frequency estimate by dropping stale history
// without being told explicitly how much is stale.
func bestStartSearch(x, y, w []float64, minPoints int) (regressionFit, int) {
	n := len(x)
	maxDiscard := n - minPoints
	if maxDiscard < 0 {
		maxDiscard = 0
	}

	var best regressionFit
	bestD := 0
	found := false
	for d := 0; d <= maxDiscard; d++ {
		fit := weightedLinearRegression(x[d:], y[d:], w[d:])
		if !fit.ok {
			continue
		}
		if !found || fit.slopeSD < best.slopeSD {
			best = fit
			bestD = d
			found = true
		}
	}
	return best, bestD
}
