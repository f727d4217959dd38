// Package fingerprint implements the content-addressed scrape fingerprint
// aggregate used for deduplication and quality gating.
package fingerprint

import "fmt"

// Status represents the lifecycle state of one scrape attempt.
type Status string

// Fingerprint statuses persisted in the fingerprint store.
const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusProcessing Status = "processing"
	StatusBlocked    Status = "blocked"
)

// Quality grades scraped content. The ordering is significant: a fingerprint
// is only eligible for extraction at QualityAcceptable or better.
type Quality int

// Quality grades, worst to best.
const (
	QualityUnknown Quality = iota
	QualityPoor
	QualityAcceptable
	QualityGood
	QualityExcellent
)

var qualityNames = map[Quality]string{
	QualityUnknown:    "unknown",
	QualityPoor:       "poor",
	QualityAcceptable: "acceptable",
	QualityGood:       "good",
	QualityExcellent:  "excellent",
}

// String returns the persisted name of the quality grade.
func (q Quality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

// ParseQuality converts a persisted name back to a Quality grade.
func ParseQuality(name string) (Quality, error) {
	for q, n := range qualityNames {
		if n == name {
			return q, nil
		}
	}
	return QualityUnknown, fmt.Errorf("unknown quality %q", name)
}
