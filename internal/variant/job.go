// internal/variant/job.go
package variant

import (
	"github.com/google/uuid"

	"github.com/aviationwx/wxcam/internal/camera"
	"github.com/aviationwx/wxcam/internal/store"
)

// JobStatus tracks a variant job's lifecycle for audit logging.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job asks the engine for one (height, format) rendition of a staged
// original. MakeCurrent marks the camera's default serving variant, which
// additionally retargets the current.{ext} pointer on promotion.
type Job struct {
	ID          string
	Source      store.Ref
	Desc        camera.Descriptor
	MakeCurrent bool

	Status JobStatus
	Error  string
}

func NewJob(source store.Ref, desc camera.Descriptor, makeCurrent bool) Job {
	return Job{
		ID:          uuid.NewString(),
		Source:      source,
		Desc:        desc,
		MakeCurrent: makeCurrent,
		Status:      JobStatusPending,
	}
}

func (j *Job) markRunning()   { j.Status = JobStatusRunning }
func (j *Job) markSucceeded() { j.Status = JobStatusSucceeded }
func (j *Job) markFailed(err error) {
	j.Status = JobStatusFailed
	if err != nil {
		j.Error = err.Error()
	}
}
