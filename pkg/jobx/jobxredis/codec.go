package jobxredis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
)

// Hash fields of a job record. Times are unix milliseconds; 0 means unset.
const (
	fieldID            = "id"
	fieldName          = "name"
	fieldQueue         = "queue"
	fieldData          = "data"
	fieldStatus        = "status"
	fieldAttemptsMade  = "attempts_made"
	fieldAttemptsMax   = "attempts_max"
	fieldBackoffType   = "backoff_type"
	fieldBackoffDelay  = "backoff_delay"
	fieldProgress      = "progress"
	fieldMessage       = "message"
	fieldResult        = "result"
	fieldFailureReason = "failure_reason"
	fieldLastError     = "last_error"
	fieldToken         = "token"
	fieldRev           = "rev"
	fieldCreatedAt     = "created_at"
	fieldRunAt         = "run_at"
	fieldProcessedAt   = "processed_at"
	fieldFinishedAt    = "finished_at"
)

func encodeJob(job *jobx.JobInfo) map[string]interface{} {
	return map[string]interface{}{
		fieldID:            job.ID,
		fieldName:          job.Name,
		fieldQueue:         job.Queue,
		fieldData:          string(job.Payload),
		fieldStatus:        string(job.Status),
		fieldAttemptsMade:  job.AttemptsMade,
		fieldAttemptsMax:   job.AttemptsMax,
		fieldBackoffType:   string(job.Backoff.Type),
		fieldBackoffDelay:  job.Backoff.Delay.Milliseconds(),
		fieldProgress:      job.Progress.Percent,
		fieldMessage:       job.Progress.Message,
		fieldResult:        string(job.Result),
		fieldFailureReason: job.FailureReason,
		fieldLastError:     job.LastError,
		fieldToken:         job.Token,
		fieldRev:           job.Revision,
		fieldCreatedAt:     job.CreatedAt.UnixMilli(),
		fieldRunAt:         ceilMillis(job.RunAt),
		fieldProcessedAt:   millis(job.ProcessedAt),
		fieldFinishedAt:    millis(job.FinishedAt),
	}
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

// ceilMillis rounds t up to a whole millisecond, so a job stored with it is
// never due before its RunAt.
func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

// fieldReader collects the first parse error so decodeJob stays linear.
type fieldReader struct {
	fields map[string]string
	err    error
}

func (r *fieldReader) int64(name string) int64 {
	s := r.fields[name]
	if s == "" || r.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", name, err)
	}
	return v
}

func (r *fieldReader) int(name string) int { return int(r.int64(name)) }

func (r *fieldReader) time(name string) time.Time {
	ms := r.int64(name)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *fieldReader) timePtr(name string) *time.Time {
	t := r.time(name)
	if t.IsZero() {
		return nil
	}
	return &t
}

func decodeJob(fields map[string]string) (*jobx.JobInfo, error) {
	r := &fieldReader{fields: fields}

	job := &jobx.JobInfo{
		ID:           fields[fieldID],
		Name:         fields[fieldName],
		Queue:        fields[fieldQueue],
		Payload:      json.RawMessage(fields[fieldData]),
		Status:       jobx.JobStatus(fields[fieldStatus]),
		AttemptsMade: r.int(fieldAttemptsMade),
		AttemptsMax:  r.int(fieldAttemptsMax),
		Backoff: jobx.BackoffPolicy{
			Type:  jobx.BackoffType(fields[fieldBackoffType]),
			Delay: time.Duration(r.int64(fieldBackoffDelay)) * time.Millisecond,
		},
		Progress: jobx.Progress{
			Percent: r.int(fieldProgress),
			Message: fields[fieldMessage],
		},
		FailureReason: fields[fieldFailureReason],
		LastError:     fields[fieldLastError],
		Token:         fields[fieldToken],
		Revision:      r.int64(fieldRev),
		CreatedAt:     r.time(fieldCreatedAt),
		RunAt:         r.time(fieldRunAt),
		ProcessedAt:   r.timePtr(fieldProcessedAt),
		FinishedAt:    r.timePtr(fieldFinishedAt),
	}
	if res := fields[fieldResult]; res != "" {
		job.Result = json.RawMessage(res)
	}
	if r.err != nil {
		return nil, redisErrors.NewWithCause(ErrDecode, r.err).WithDetail("job_id", job.ID)
	}
	if !job.Status.Valid() {
		return nil, redisErrors.New(ErrDecode).
			WithDetail("job_id", job.ID).
			WithDetail("status", job.Status)
	}
	return job, nil
}

// pairs converts an HGETALL reply returned by a script into a map.
func pairs(reply interface{}) (map[string]string, error) {
	vals, ok := reply.([]interface{})
	if !ok || len(vals)%2 != 0 {
		return nil, redisErrors.New(ErrDecode).WithDetail("reply", fmt.Sprintf("%T", reply))
	}
	out := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		k, _ := vals[i].(string)
		v, _ := vals[i+1].(string)
		out[k] = v
	}
	return out, nil
}
