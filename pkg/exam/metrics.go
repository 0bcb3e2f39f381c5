package exam

import (
	"gonum.org/v1/gonum/stat"

	"smarthvf/internal/models"
)

// Metrics summarizes a test record.
type Metrics struct {
	// Points is the number of field points
	Points int

	// MeanThreshold and StdThreshold describe the recorded brightness
	// thresholds
	MeanThreshold float64
	StdThreshold  float64

	// MeanSensitivity is the mean of 1 - threshold
	MeanSensitivity float64

	// FloorCount is the number of points seen down to brightness 0
	FloorCount int

	// BlindCount is the number of points never seen at full brightness
	BlindCount int

	// MeanMap is the mean eye-map value, 0 for an unmapped record
	MeanMap float64
}

// ComputeMetrics summarizes rec.
func ComputeMetrics(rec *models.TestRecord) Metrics {
	m := Metrics{Points: len(rec.Field)}
	if len(rec.Field) == 0 {
		return m
	}

	thresholds := make([]float64, len(rec.Field))
	sensitivity := make([]float64, len(rec.Field))
	for i, p := range rec.Field {
		thresholds[i] = p.Brightness
		sensitivity[i] = p.Sensitivity()
		switch p.Brightness {
		case 0:
			m.FloorCount++
		case 1:
			m.BlindCount++
		}
	}
	m.MeanThreshold, m.StdThreshold = stat.MeanStdDev(thresholds, nil)
	if len(thresholds) < 2 {
		m.StdThreshold = 0
	}
	m.MeanSensitivity = stat.Mean(sensitivity, nil)

	if rec.Mapped() && len(rec.Raster.Pix) > 0 {
		m.MeanMap = stat.Mean(rec.Raster.Pix, nil)
	}
	return m
}
