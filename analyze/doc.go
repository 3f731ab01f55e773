// Package analyze derives mobility metrics from pressure bandage samples.
//
// The objective mobility analysis follows Mansfield et al., "Objective
// Pressure Injury Risk Assessment Using A Wearable Pressure Sensor" (IEEE
// BIBM 2019): a 4x4 pressure grid is reduced to three spatial centroids, the
// plane through the centroids gives the body's x and y tilt angles, the
// per-identity gradient of those angles captures movement strength, and a
// sliding window over the gradients yields movements per minute.
package analyze
