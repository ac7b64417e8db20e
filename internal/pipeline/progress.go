package pipeline

import (
	"context"
	"maps"
	"math"
	"sync"

	"github.com/amillerrr/clipflow/internal/speed"
	"github.com/amillerrr/clipflow/pkg/models"
)

// Stage is a state of one upload call.
type Stage string

const (
	StagePreparing   Stage = "preparing"
	StageTranscoding Stage = "transcoding"
	StageUploading   Stage = "uploading"
	StageFinalizing  Stage = "finalizing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Overall progress bands per stage.
const (
	preparingPercent    = 5
	transcodeBandStart  = 10
	transcodeBandWidth  = 40
	uploadBandStart     = 50
	uploadBandWidth     = 40
	finalizingPercent   = 95
	completedPercent    = 100
	uploadEmitThreshold = 0.5
)

// ResolutionStatus is the state of one ladder rung.
type ResolutionStatus string

const (
	ResolutionPending    ResolutionStatus = "pending"
	ResolutionProcessing ResolutionStatus = "processing"
	ResolutionCompleted  ResolutionStatus = "completed"
	ResolutionError      ResolutionStatus = "error"
)

// ResolutionProgress is the per-rung view inside a Progress snapshot.
type ResolutionProgress struct {
	Status    ResolutionStatus `json:"status"`
	Percent   float64          `json:"percent"`
	SizeBytes int64            `json:"sizeBytes,omitempty"`
}

// Progress is an immutable snapshot of an upload call.
type Progress struct {
	Stage          Stage                         `json:"stage"`
	Tier           Tier                          `json:"tier,omitempty"`
	OverallPercent float64                       `json:"overallPercent"`
	Resolutions    map[string]ResolutionProgress `json:"resolutions,omitempty"`
	Speed          *speed.Info                   `json:"speed,omitempty"`
	Message        string                        `json:"message,omitempty"`
	Record         *models.VideoRecord           `json:"record,omitempty"`
}

// Reporter owns the mutable progress state of one upload call and writes
// snapshots to the caller's channel. A nil channel discards updates.
type Reporter struct {
	ctx context.Context
	out chan<- Progress

	mu          sync.Mutex
	state       Progress
	expected    []string
	reported    map[string]bool
	monitor     *speed.Monitor
	lastEmitted float64
}

func newReporter(ctx context.Context, out chan<- Progress) *Reporter {
	return &Reporter{
		ctx:      ctx,
		out:      out,
		reported: make(map[string]bool),
		monitor:  speed.NewMonitor(),
	}
}

// Snapshot returns a copy of the current state.
func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reporter) snapshotLocked() Progress {
	snap := r.state
	snap.Resolutions = maps.Clone(r.state.Resolutions)
	if r.state.Speed != nil {
		info := *r.state.Speed
		snap.Speed = &info
	}
	return snap
}

// emitLocked blocks until the caller receives the snapshot or the call is canceled.
func (r *Reporter) emitLocked() {
	r.lastEmitted = r.state.OverallPercent
	if r.out == nil {
		return
	}
	select {
	case r.out <- r.snapshotLocked():
	case <-r.ctx.Done():
	}
}

func (r *Reporter) beginTier(t Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Tier = t
	r.state.Resolutions = nil
	r.state.Speed = nil
	r.state.Message = ""
	r.expected = nil
	clear(r.reported)
	r.monitor.Reset()
}

// SetStage moves to stage at the given overall percent.
func (r *Reporter) SetStage(stage Stage, percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Stage = stage
	r.state.OverallPercent = percent
	r.emitLocked()
}

// StartResolutions registers the labels whose mean drives transcoding progress.
func (r *Reporter) StartResolutions(labels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = labels
	r.state.Resolutions = make(map[string]ResolutionProgress, len(labels))
	for _, l := range labels {
		r.state.Resolutions[l] = ResolutionProgress{Status: ResolutionPending}
	}
	r.emitLocked()
}

// ResolutionProgress records encode progress in [0,100] for label.
func (r *Reporter) ResolutionProgress(label string, percent float64) {
	r.updateResolution(label, ResolutionProgress{Status: ResolutionProcessing, Percent: percent})
}

// ResolutionDone marks label as produced.
func (r *Reporter) ResolutionDone(label string, sizeBytes int64) {
	r.updateResolution(label, ResolutionProgress{Status: ResolutionCompleted, Percent: 100, SizeBytes: sizeBytes})
}

// ResolutionFailed marks label as errored. It counts as finished for aggregation.
func (r *Reporter) ResolutionFailed(label string) {
	r.updateResolution(label, ResolutionProgress{Status: ResolutionError, Percent: 100})
}

func (r *Reporter) updateResolution(label string, p ResolutionProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Resolutions == nil {
		r.state.Resolutions = make(map[string]ResolutionProgress)
	}
	r.state.Resolutions[label] = p
	r.reported[label] = true

	if r.state.Stage == StageTranscoding {
		r.state.OverallPercent = transcodeBandStart + r.meanLocked()*transcodeBandWidth/100
	}
	r.emitLocked()
}

// meanLocked averages only once every expected label has reported.
func (r *Reporter) meanLocked() float64 {
	if len(r.expected) == 0 {
		return 0
	}
	var sum float64
	for _, l := range r.expected {
		if !r.reported[l] {
			return 0
		}
		sum += r.state.Resolutions[l].Percent
	}
	return sum / float64(len(r.expected))
}

// UploadProgress feeds the speed monitor and maps bytes into the upload band.
// A retried or rewound Put lowers sent; the overall percent holds instead.
func (r *Reporter) UploadProgress(sent, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.monitor.Update(sent, total)
	r.state.Speed = &info
	percent := uploadBandStart + info.Percentage*uploadBandWidth/100
	if r.state.Stage == StageUploading {
		percent = max(percent, r.state.OverallPercent)
	}
	r.state.OverallPercent = percent

	if math.Abs(r.state.OverallPercent-r.lastEmitted) >= uploadEmitThreshold || sent >= total {
		r.emitLocked()
	}
}

func (r *Reporter) complete(rec *models.VideoRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Stage = StageCompleted
	r.state.OverallPercent = completedPercent
	r.state.Record = rec
	r.emitLocked()
}

func (r *Reporter) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Stage = StageFailed
	r.state.Message = msg
	r.emitLocked()
}
