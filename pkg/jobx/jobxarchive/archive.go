// Package jobxarchive keeps the records retention evicts from the ledger.
// Each record is written as JSON to "<prefix>/<queue>/<status>/<id>.json" on an
// fsx.FileSystem, so the local disk and S3 layouts match.
package jobxarchive

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/Abraxas-365/jobq/pkg/errx"
	"github.com/Abraxas-365/jobq/pkg/fsx"
	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/logx"
)

var archiveErrors = errx.NewRegistry("JOBX_ARCHIVE")

var (
	ErrEncode   = archiveErrors.Register("ENCODE", errx.TypeInternal, 500, "Failed to encode archived job")
	ErrDecode   = archiveErrors.Register("DECODE", errx.TypeInternal, 500, "Failed to decode archived job")
	ErrNotFound = archiveErrors.Register("NOT_FOUND", errx.TypeNotFound, 404, "Archived job not found")
)

// FSArchiver implements jobx.Archiver on a file system.
type FSArchiver struct {
	fs     fsx.FileSystem
	prefix string
}

var _ jobx.Archiver = (*FSArchiver)(nil)

// NewFSArchiver writes records under prefix on fs.
func NewFSArchiver(fs fsx.FileSystem, prefix string) *FSArchiver {
	return &FSArchiver{fs: fs, prefix: strings.Trim(prefix, "/")}
}

func (a *FSArchiver) dir(queue string, status jobx.JobStatus) string {
	return a.fs.Join(a.prefix, queue, string(status))
}

func (a *FSArchiver) path(queue string, status jobx.JobStatus, id string) string {
	return a.fs.Join(a.dir(queue, status), id+".json")
}

// Archive writes every record. It keeps going past failures and returns
// them joined.
func (a *FSArchiver) Archive(ctx context.Context, jobs []*jobx.JobInfo) error {
	var errs []error
	for _, job := range jobs {
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			errs = append(errs, archiveErrors.NewWithCause(ErrEncode, err).WithDetail("job_id", job.ID))
			continue
		}
		if err := a.fs.WriteFile(ctx, a.path(job.Queue, job.Status, job.ID), data); err != nil {
			errs = append(errs, err)
			continue
		}
	}

	if len(jobs) > 0 {
		logx.WithFields(logx.Fields{
			"queue":    jobs[0].Queue,
			"archived": len(jobs) - len(errs),
			"failed":   len(errs),
		}).Debug("jobxarchive: evicted jobs archived")
	}
	return errors.Join(errs...)
}

// Load reads an archived record.
func (a *FSArchiver) Load(ctx context.Context, queue string, status jobx.JobStatus, id string) (*jobx.JobInfo, error) {
	data, err := a.fs.ReadFile(ctx, a.path(queue, status, id))
	if err != nil {
		if fsx.IsNotFound(err) {
			return nil, archiveErrors.New(ErrNotFound).
				WithDetail("queue", queue).
				WithDetail("status", status).
				WithDetail("job_id", id)
		}
		return nil, err
	}

	var job jobx.JobInfo
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, archiveErrors.NewWithCause(ErrDecode, err).WithDetail("job_id", id)
	}
	return &job, nil
}

// IDs lists the archived job ids of queue in status, in ascending id order.
func (a *FSArchiver) IDs(ctx context.Context, queue string, status jobx.JobStatus) ([]string, error) {
	infos, err := a.fs.List(ctx, a.dir(queue, status))
	if err != nil {
		if fsx.IsNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir || !strings.HasSuffix(info.Name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(info.Name, ".json"))
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}
