package testutil

import (
	"testing"

	"github.com/c360/vitalstream/datum"
)

// FlatGrid returns a 4x4 grid where every cell holds the same value.
func FlatGrid(value float64) [][]float64 {
	grid := make([][]float64, 4)
	for y := range grid {
		grid[y] = []float64{value, value, value, value}
	}
	return grid
}

// SlopedGridX returns a 4x4 grid increasing by step per column.
func SlopedGridX(step float64) [][]float64 {
	grid := make([][]float64, 4)
	for y := range grid {
		grid[y] = make([]float64, 4)
		for x := range grid[y] {
			grid[y][x] = float64(x) * step
		}
	}
	return grid
}

// SlopedGridY returns a 4x4 grid increasing by step per row.
func SlopedGridY(step float64) [][]float64 {
	grid := make([][]float64, 4)
	for y := range grid {
		grid[y] = make([]float64, 4)
		for x := range grid[y] {
			grid[y][x] = float64(y) * step
		}
	}
	return grid
}

// PressureSample encodes a pressure_bandage sample around a grid.
func PressureSample(t *testing.T, patientID, deviceID string, grid [][]float64, ts float64) string {
	t.Helper()

	payload, err := datum.MarshalPayload(map[string][][]float64{
		"pressure_bandage": grid,
	})
	if err != nil {
		t.Fatalf("marshal grid: %v", err)
	}

	sample, err := datum.NewSampleAt("pressure_bandage", patientID, deviceID, payload, ts)
	if err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	return sample
}

// Sample encodes an arbitrary sample, failing the test on error.
func Sample(t *testing.T, sampleType, patientID, deviceID, payload string, ts float64) string {
	t.Helper()

	sample, err := datum.NewSampleAt(sampleType, patientID, deviceID, payload, ts)
	if err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	return sample
}
