package coord

import "time"

// Recorder receives coordination metrics. The metrics package provides a
// Prometheus implementation; a nil Recorder disables recording.
type Recorder interface {
	SubmissionAccepted()
	SubmissionRejected(reason Reason)
	TaskFinished(status Status)
	EventPublished(typ EventType, err error)
	EventReceived(typ EventType)
	SweepCompleted(deleted int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SubmissionAccepted() {}
func (nopRecorder) SubmissionRejected(Reason) {}
func (nopRecorder) TaskFinished(Status) {}
func (nopRecorder) EventPublished(EventType, error) {}
func (nopRecorder) EventReceived(EventType) {}
func (nopRecorder) SweepCompleted(int, time.Duration) {}
