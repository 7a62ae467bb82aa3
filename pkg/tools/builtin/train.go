// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package builtin

import (
	"context"
	"fmt"

	"github.com/tombee/aplvm/pkg/value"
)

// TrainLinear fits an ordinary least-squares linear model predicting
// args["target"] from every other numeric column of in["table"],
// imputing missing feature values with the column mean. Coefficients
// are rounded to 12 decimal places before being returned, matching the
// VM's serialization determinism measure so the same training data
// always yields byte-identical bytecode-independent output.
func TrainLinear(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	t, err := tableField(in, "train_data")
	if err != nil {
		return nil, fmt.Errorf("train_lr: %w", err)
	}
	target, ok := stringField(nil, args, "target")
	if !ok {
		return nil, fmt.Errorf("train_lr: missing \"target\" arg")
	}

	targetIdx := -1
	features := make([]string, 0, len(t.Header))
	featureIdx := make([]int, 0, len(t.Header))
	for i, name := range t.Header {
		if name == target {
			targetIdx = i
			continue
		}
		features = append(features, name)
		featureIdx = append(featureIdx, i)
	}
	if targetIdx < 0 {
		return nil, fmt.Errorf("train_lr: target column %q not found", target)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("train_lr: training table has no rows")
	}

	impute := columnMeans(t, featureIdx)
	x, y := designMatrix(t, targetIdx, featureIdx, impute)
	coef, intercept, err := ordinaryLeastSquares(x, y)
	if err != nil {
		return nil, fmt.Errorf("train_lr: %w", err)
	}
	for i := range coef {
		coef[i] = round12(coef[i])
	}

	return map[string]any{"model": &value.Model{
		Features:  features,
		Coef:      coef,
		Intercept: round12(intercept),
		Impute:    impute,
		Target:    target,
	}}, nil
}

// EvalMetrics scores in["model"] against in["val_data"], reporting
// MSE, MAE, and R2.
func EvalMetrics(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	m, ok := in["model"].(*value.Model)
	if !ok {
		return nil, fmt.Errorf("eval: missing or malformed \"model\" input")
	}
	t, err := tableField(in, "val_data")
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	featureIdx := make([]int, len(m.Features))
	targetIdx := -1
	for i, name := range t.Header {
		if name == m.Target {
			targetIdx = i
		}
		for j, f := range m.Features {
			if f == name {
				featureIdx[j] = i
			}
		}
	}
	if targetIdx < 0 {
		return nil, fmt.Errorf("eval: target column %q not found", m.Target)
	}

	var sumSqErr, sumAbsErr, sumY float64
	n := len(t.Rows)
	if n == 0 {
		return map[string]any{"metrics": value.Metrics{"MSE": 0.0, "MAE": 0.0, "R2": 0.0}}, nil
	}
	preds := make([]float64, n)
	actuals := make([]float64, n)
	for i, row := range t.Rows {
		pred := m.Intercept
		for j, idx := range featureIdx {
			v, ok := row[idx].(float64)
			if !ok {
				v = m.Impute[j]
			}
			pred += m.Coef[j] * v
		}
		actual, _ := row[targetIdx].(float64)
		preds[i], actuals[i] = pred, actual
		sumY += actual
		diff := pred - actual
		sumSqErr += diff * diff
		sumAbsErr += absF(diff)
	}
	meanY := sumY / float64(n)
	var sumSqTot float64
	for _, a := range actuals {
		d := a - meanY
		sumSqTot += d * d
	}
	r2 := 1.0
	if sumSqTot > 0 {
		r2 = 1 - sumSqErr/sumSqTot
	}
	return map[string]any{"metrics": value.Metrics{
		"MSE": round12(sumSqErr / float64(n)),
		"MAE": round12(sumAbsErr / float64(n)),
		"R2":  round12(r2),
	}}, nil
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func columnMeans(t *value.Table, idx []int) []float64 {
	means := make([]float64, len(idx))
	for j, col := range idx {
		var sum float64
		var count int
		for _, row := range t.Rows {
			if v, ok := row[col].(float64); ok {
				sum += v
				count++
			}
		}
		if count > 0 {
			means[j] = sum / float64(count)
		}
	}
	return means
}

func designMatrix(t *value.Table, targetIdx int, featureIdx []int, impute []float64) (x [][]float64, y []float64) {
	x = make([][]float64, len(t.Rows))
	y = make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		x[i] = make([]float64, len(featureIdx))
		for j, col := range featureIdx {
			if v, ok := row[col].(float64); ok {
				x[i][j] = v
			} else {
				x[i][j] = impute[j]
			}
		}
		y[i], _ = row[targetIdx].(float64)
	}
	return x, y
}

// ordinaryLeastSquares fits y = X*coef + intercept via the normal
// equations, solved with Gauss-Jordan elimination. The design matrix
// gains a leading all-ones column for the intercept term.
func ordinaryLeastSquares(x [][]float64, y []float64) (coef []float64, intercept float64, err error) {
	n := len(x)
	if n == 0 {
		return nil, 0, fmt.Errorf("no rows to fit")
	}
	p := len(x[0]) + 1 // +1 for intercept

	// Normal equations: (X'X) beta = X'y, where the first column of X is all ones.
	xtx := make([][]float64, p)
	xty := make([]float64, p)
	for i := range xtx {
		xtx[i] = make([]float64, p)
	}
	for _, row := range x {
		aug := append([]float64{1}, row...)
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				xtx[i][j] += aug[i] * aug[j]
			}
		}
	}
	for i, row := range x {
		aug := append([]float64{1}, row...)
		for k := 0; k < p; k++ {
			xty[k] += aug[k] * y[i]
		}
	}

	beta, err := solveLinearSystem(xtx, xty)
	if err != nil {
		return nil, 0, err
	}
	return beta[1:], beta[0], nil
}

// solveLinearSystem solves a*beta = b via Gauss-Jordan elimination
// with partial pivoting. A singular system (e.g. a constant feature
// column) is handled by skipping zero pivots, which leaves the
// corresponding coefficient at zero rather than failing the fit.
func solveLinearSystem(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	aug := make([][]float64, n)
	for i := range a {
		aug[i] = append(append([]float64{}, a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if absF(aug[r][col]) > absF(aug[pivot][col]) {
				pivot = r
			}
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		if absF(aug[col][col]) < 1e-12 {
			continue // degenerate column; leave its coefficient at zero
		}
		pv := aug[col][col]
		for k := col; k <= n; k++ {
			aug[col][k] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			for k := col; k <= n; k++ {
				aug[r][k] -= factor * aug[col][k]
			}
		}
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = aug[i][n]
	}
	return out, nil
}
