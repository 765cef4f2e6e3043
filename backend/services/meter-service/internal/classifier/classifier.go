// Package classifier maps flow-rate readings to a burst/normal verdict.
package classifier

import (
	"math"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// DefaultBurstThreshold is the highest flow rate, in L/min, still considered normal.
const DefaultBurstThreshold = 500.0

// Classifier is a stateless threshold check. The zero value is not usable; call New.
type Classifier struct {
	threshold float64
}

// New returns a classifier for the given threshold. Non-positive or non-finite
// thresholds fall back to DefaultBurstThreshold.
func New(threshold float64) Classifier {
	if threshold <= 0 || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		threshold = DefaultBurstThreshold
	}
	return Classifier{threshold: threshold}
}

// Threshold returns the configured upper bound of the normal range.
func (c Classifier) Threshold() float64 {
	return c.threshold
}

// Classify returns Burst when flowRate is strictly above the threshold.
func (c Classifier) Classify(flowRate float64) models.Classification {
	if flowRate > c.threshold {
		return models.ClassificationBurst
	}
	return models.ClassificationNormal
}
