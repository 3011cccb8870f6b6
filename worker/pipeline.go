package worker

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unpackd/unpackd/archive"
	"github.com/unpackd/unpackd/common"
	"github.com/unpackd/unpackd/index"
	"github.com/unpackd/unpackd/jobs"
	"github.com/unpackd/unpackd/progress"
)

// Progress bands for the two phases: extraction fills 10-90, indexing
// 90-100.
const (
	extractBandStart = 10
	extractBandEnd   = 90
	indexBandStart   = 90
)

// Pipeline carries one accepted upload through extraction and indexing to
// the completed state. Failures mark the job as errored and remove the
// partial extraction directory; rejected entries become warnings, never a
// failure by themselves.
type Pipeline struct {
	Jobs      *jobs.Store
	Index     *index.Store
	Tracker   *progress.Tracker
	Extractor *archive.Extractor
	Log       *logrus.Logger
}

// Run processes one job. It is called from the Runner's per-job goroutine
// and is the sole writer of this job's progress state.
func (p *Pipeline) Run(job *jobs.Job) {
	log := common.JobLogger(p.logger(), job.ID)
	defer common.LogDuration(log, "process job")()

	p.setProgress(job, jobs.StatusExtracting, extractBandStart, "Extracting archive...")

	result, err := p.Extractor.Extract(archive.Format(job.Format), job.UploadPath, job.ExtractDir,
		func(percent int, message string) {
			scaled := extractBandStart + percent*(extractBandEnd-extractBandStart)/100
			p.setProgress(job, jobs.StatusExtracting, scaled, message)
		})
	if err != nil {
		log.WithError(err).Error("Extraction failed")
		p.fail(job, fmt.Sprintf("Extraction failed: %v", err))
		return
	}

	for _, rejected := range result.Rejected {
		job.Warnings = append(job.Warnings,
			fmt.Sprintf("skipped %s: %s", rejected.Name, rejected.Reason))
	}
	if len(result.Rejected) > 0 {
		log.WithFields(map[string]interface{}{
			"rejected":  len(result.Rejected),
			"extracted": result.Entries,
		}).Warn("Some archive entries were rejected")
	}

	p.setProgress(job, jobs.StatusIndexing, indexBandStart, "Indexing files for search...")

	entries, err := index.Walk(job.ExtractDir)
	if err != nil {
		log.WithError(err).Error("Index walk failed")
		p.fail(job, fmt.Sprintf("Indexing failed: %v", err))
		return
	}

	p.setProgress(job, jobs.StatusIndexing, 95, fmt.Sprintf("Indexing %d entries...", len(entries)))

	if err := p.Index.InsertBatch(job.ID, entries); err != nil {
		log.WithError(err).Error("Index insert failed")
		p.fail(job, fmt.Sprintf("Indexing failed: %v", err))
		return
	}

	job.FileCount = len(entries)
	p.setProgress(job, jobs.StatusCompleted, 100, "Ready to browse")
	log.WithFields(map[string]interface{}{
		"entries":  len(entries),
		"rejected": len(result.Rejected),
	}).Info("Job completed")
}

// setProgress updates the tracker and mirrors the state into the persisted
// job record so progress survives a restart.
func (p *Pipeline) setProgress(job *jobs.Job, status jobs.Status, percent int, message string) {
	p.Tracker.Set(job.ID, status, percent, message)

	job.Status = status
	if percent > job.Progress {
		job.Progress = percent
	}
	job.Message = message
	if err := p.Jobs.Put(job); err != nil {
		common.JobLogger(p.logger(), job.ID).WithError(err).Error("Failed to persist job state")
	}
}

// fail marks the job as errored and removes the partial extraction output.
// The uploaded archive itself is kept for diagnosis until the job is
// purged.
func (p *Pipeline) fail(job *jobs.Job, message string) {
	p.Tracker.Fail(job.ID, message)

	job.Status = jobs.StatusError
	job.Message = message
	if err := p.Jobs.Put(job); err != nil {
		common.JobLogger(p.logger(), job.ID).WithError(err).Error("Failed to persist job error")
	}

	if job.ExtractDir != "" {
		if err := os.RemoveAll(job.ExtractDir); err != nil {
			common.JobLogger(p.logger(), job.ID).WithError(err).Error("Failed to remove partial extraction")
		}
	}
	_ = p.Index.DeleteJob(job.ID)
}

func (p *Pipeline) logger() *logrus.Logger {
	if p.Log != nil {
		return p.Log
	}
	return common.Logger
}
