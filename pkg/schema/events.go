// pkg/schema/events.go
package schema

// CaptureJob is the payload a capture worker receives on the job subject.
// Raw bytes are either inlined (push uploads) or referenced by a path the
// worker can read (transport collaborators drop fetched frames on shared
// storage).
type CaptureJob struct {
	JobID      string `json:"job_id"`
	Airport    string `json:"airport"`
	Camera     int    `json:"camera"`
	SourcePath string `json:"source_path,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	ArrivalAt  int64  `json:"arrival_at"`
}

type FailureType string

const (
	FailureTypeTransport  FailureType = "transport"
	FailureTypeValidation FailureType = "validation"
	FailureTypeEncode     FailureType = "encode"
	FailureTypeStorage    FailureType = "storage"
	FailureTypePromotion  FailureType = "promotion"
)

type CaptureStatus string

const (
	CaptureStatusPromoted    CaptureStatus = "promoted"
	CaptureStatusQuarantined CaptureStatus = "quarantined"
	CaptureStatusSkipped     CaptureStatus = "skipped"
	CaptureStatusFailed      CaptureStatus = "failed"
)

// VariantRef identifies one (height, format) rendition in result events.
type VariantRef struct {
	Height int    `json:"height"`
	Format string `json:"format"`
}

// CaptureDone is published on the result subject after every processed job,
// whether the frame was promoted, quarantined, or skipped by the breaker.
type CaptureDone struct {
	JobID              string        `json:"job_id"`
	Airport            string        `json:"airport"`
	Camera             int           `json:"camera"`
	Status             CaptureStatus `json:"status"`
	Reason             string        `json:"reason,omitempty"`
	FailureType        FailureType   `json:"failure_type,omitempty"`
	CaptureTimestamp   int64         `json:"capture_timestamp,omitempty"`
	VariantsDispatched []VariantRef  `json:"variants_dispatched,omitempty"`
	ProcessingTimeMs   int64         `json:"processing_time_ms"`
	HappenedAt         int64         `json:"happened_at"`
}

// HealthSnapshot is published by the scheduler after every flush so
// dashboards can display pipeline status without touching state files.
type HealthSnapshot struct {
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	GenerationRate float64 `json:"generation_rate"`
	PromotionRate  float64 `json:"promotion_rate"`
	LastActivityAt int64   `json:"last_activity_at,omitempty"`
	HappenedAt     int64   `json:"happened_at"`
}

// ConfigReload is the manual cache-invalidation signal; an empty body is
// valid, the note is only for operator audit logs.
type ConfigReload struct {
	Note       string `json:"note,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}
