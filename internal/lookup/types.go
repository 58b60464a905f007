package lookup

import "time"

// JobStatus represents the lifecycle state of a lookup job.
type JobStatus string

// Job status values. Done and error are terminal.
const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// Severity tags a protocol entry.
type Severity string

// Protocol severities.
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// ExecutionMode names the strategy that produced a job's result.
type ExecutionMode string

// Supported execution modes.
const (
	ModeSynthetic ExecutionMode = "synthetic"
	ModeExternal  ExecutionMode = "external"
)

// Company is the lookup subject as submitted by the caller.
type Company struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	HRB     string `json:"hrb,omitempty"`
	Court   string `json:"court,omitempty"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Summary holds the structured register extract fields.
type Summary struct {
	Purpose     string   `json:"purpose"`
	Capital     string   `json:"capital"`
	Management  []string `json:"management"`
	Procuration []string `json:"procuration"`
	LastChange  string   `json:"lastChange"`
}

// Result is attached to a job once it reaches done.
type Result struct {
	Summary       Summary `json:"summary"`
	DocumentHash  string  `json:"documentHash"`
	DocumentURL   string  `json:"pdfUrl"`
	LiveAvailable bool    `json:"liveAvailable"`
}

// ProtocolEntry is one line of a job's audit trail.
type ProtocolEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"type"`
}

// Audit snapshots limiter counters observed when the job was submitted.
type Audit struct {
	RateLimitGlobalAtStart int `json:"rateLimitGlobalAtStart"`
	RateLimitUserAtStart   int `json:"rateLimitUserAtStart"`
}

// Metadata describes how a job's result was obtained.
type Metadata struct {
	ExecutionMode ExecutionMode `json:"provider"`
	CacheHit      bool          `json:"cacheHit"`
	DurationMs    int64         `json:"durationMs"`
	FetchedAt     time.Time     `json:"fetchedAt"`
	ContentHash   string        `json:"sha256,omitempty"`
	Audit         *Audit        `json:"audit,omitempty"`
}

// Job is the unit of work together with its audit trail.
type Job struct {
	ID            string          `json:"id"`
	PrincipalID   string          `json:"principalId"`
	CompanyID     string          `json:"companyId"`
	CompanyName   string          `json:"companyName"`
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"`
	CreatedAt     time.Time       `json:"createdAt"`
	QueuePosition int             `json:"queuePosition,omitempty"`
	ErrorKind     ErrorKind       `json:"errorCode,omitempty"`
	Result        *Result         `json:"result,omitempty"`
	Protocol      []ProtocolEntry `json:"protocol"`
	Metadata      Metadata        `json:"metadata"`
}

// Clone returns a deep copy so readers never share slices with the registry.
func (j Job) Clone() Job {
	cp := j
	cp.Protocol = append([]ProtocolEntry(nil), j.Protocol...)
	if j.Result != nil {
		res := *j.Result
		res.Summary.Management = append([]string(nil), j.Result.Summary.Management...)
		res.Summary.Procuration = append([]string(nil), j.Result.Summary.Procuration...)
		cp.Result = &res
	}
	if j.Metadata.Audit != nil {
		audit := *j.Metadata.Audit
		cp.Metadata.Audit = &audit
	}
	return cp
}

// AppendProtocol adds an entry to the audit trail.
func (j *Job) AppendProtocol(ts time.Time, severity Severity, msg string) {
	j.Protocol = append(j.Protocol, ProtocolEntry{Timestamp: ts, Message: msg, Severity: severity})
}

// SetProgress raises progress, never lowering it and never exceeding 100.
func (j *Job) SetProgress(pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct > j.Progress {
		j.Progress = pct
	}
}

// Principal is the identity jobs are submitted on behalf of.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RateLimitState reports limiter usage for one principal and globally.
type RateLimitState struct {
	UserCurrent   int  `json:"userCurrent"`
	UserMax       int  `json:"userMax"`
	GlobalCurrent int  `json:"globalCurrent"`
	GlobalMax     int  `json:"globalMax"`
	IsWarning     bool `json:"isWarning"`
}

// Task is the input handed to an execution strategy.
type Task struct {
	JobID       string
	CompanyID   string
	CompanyName string
}
