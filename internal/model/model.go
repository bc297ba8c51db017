// Package model defines the shared record types that flow between the
// outcome store, the domain learner, the job queue, and the capture
// pipeline.
package model

import "time"

// SchemaVersion is embedded in every self-describing payload so readers can
// reject records written by an incompatible future version rather than
// silently misinterpreting them.
const SchemaVersion = 1

// HeadlessKind selects how the browser session presents itself.
type HeadlessKind string

const (
	HeadlessShell   HeadlessKind = "shell"
	HeadlessNew     HeadlessKind = "new-headless"
	HeadlessLegacy  HeadlessKind = "legacy-headless"
	HeadlessVisible HeadlessKind = "visible"
)

// WaitStrategy selects when navigation is considered complete.
type WaitStrategy string

const (
	WaitNetworkIdle       WaitStrategy = "networkidle"
	WaitDOMContentLoaded  WaitStrategy = "domcontentloaded"
	WaitLoad              WaitStrategy = "load"
)

// OutcomeResult classifies the terminal state of a single capture attempt.
type OutcomeResult string

const (
	ResultOK          OutcomeResult = "ok"
	ResultBlocked     OutcomeResult = "blocked"
	ResultCaptcha     OutcomeResult = "captcha"
	ResultTimeout     OutcomeResult = "timeout"
	ResultRateLimited OutcomeResult = "rate_limited"
	ResultEmpty       OutcomeResult = "empty"
	ResultError       OutcomeResult = "error"
)

// BlockService attributes a blocked/captcha outcome to the bot-detection
// system that produced it. The set is data, not a closed enum, so arbitrary
// values (e.g. "http_403") are legal; these constants cover the recognized
// ones named by the validator's pattern set.
const (
	ServiceCloudflare  = "cloudflare"
	ServiceCloudfront  = "cloudfront"
	ServiceAkamai      = "akamai"
	ServiceImperva     = "imperva"
	ServiceDataDome    = "datadome"
	ServicePerimeterX  = "perimeterx"
	ServiceCaptcha     = "captcha"
	ServiceRateLimit   = "rate-limit"
)

// Configuration is a named, immutable (apart from counters) bundle of
// browser tunables considered as a single arm by the domain learner.
type Configuration struct {
	ID       string
	Name     string
	Headless HeadlessKind

	UserAgent string
	ViewportW int
	ViewportH int

	StealthEnabled bool
	WaitStrategy   WaitStrategy
	TimeoutMs      int

	Attempts    int64
	Successes   int64
	LastSuccess *time.Time
	LastFailure *time.Time
}

// SuccessRate returns successes / max(1, attempts), per spec §3.
func (c *Configuration) SuccessRate() float64 {
	if c.Attempts <= 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Attempts)
}

// DomainRecord is the learner's per-domain state.
type DomainRecord struct {
	Domain        string
	BestConfigID  string
	Confidence    float64
	MinDelayMs    int
	MaxPerMinute  int
	BlockIndicators []string
	FirstSeen     time.Time
	LastUpdated   time.Time
	SampleCount   int64
}

// Outcome is one append-only row recording the result of a single attempt.
type Outcome struct {
	ID     string
	TS     time.Time
	Domain string
	URL    string

	ConfigID string

	Hour              int
	Weekday           int
	RequestsLastMin   int
	RequestsLastHour  int

	Result       OutcomeResult
	BlockService string

	HTTPStatus    int
	ResponseMs    int
	ContentLength int
	PageTitle     string

	SchemaVersion int
}

// SimilarityKind names how two domains were judged similar, for cold start.
type SimilarityKind string

const (
	SimilarityTLD        SimilarityKind = "tld"
	SimilarityTechnology SimilarityKind = "technology"
	SimilarityBehavior   SimilarityKind = "behavior"
)

// SimilarityEdge is a weighted edge between two domains used only for cold
// start; it is never treated as an authoritative relation.
type SimilarityEdge struct {
	DomainA string
	DomainB string
	Score   float64
	Kind    SimilarityKind
}

// JobType is drawn from a closed set of unit-of-work categories.
type JobType string

const (
	JobCapture  JobType = "capture"
	JobScrape   JobType = "scrape"
	JobValidate JobType = "validate"
	JobExport   JobType = "export"
)

// JobStatus tracks a job through the queue's state machine. Transitions are
// constrained to pending -> running -> (done | failed | pending[retry] | dead).
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobDead    JobStatus = "dead"
)

// Job is a durable unit of work.
type Job struct {
	ID    string
	Queue string
	Type  JobType

	Payload map[string]any

	Priority int
	Status   JobStatus

	Attempts    int
	MaxAttempts int
	LastError   string
	Result      map[string]any

	CreatedAt   time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	LockedBy      string
	LockedAt      *time.Time
	LeaseDeadline *time.Time

	DependsOn string
}

// DeadLetterRecord is a snapshot of a job that exceeded MaxAttempts.
type DeadLetterRecord struct {
	ID       string
	JobID    string
	Queue    string
	Payload  map[string]any
	Error    string
	Attempts int
	DiedAt   time.Time
}

// ValidationResult is the response validator's classification of a page load.
type ValidationResult struct {
	Result       OutcomeResult
	BlockService string
	Pattern      string
	Details      string
	HTTPStatus   int
}

// BehaviorStats aggregates the effects of one behavior-runner pass.
type BehaviorStats struct {
	OverlaysDismissed   int
	ScrollDepth         int
	ElementsExpanded    int
	TabsClicked         int
	CarouselSlides      int
	CommentsLoaded      int
	InfiniteScrollPages int
	DurationMs          int64
	TimedOutBehaviors   []string
}

// CaptureResult is the structured outcome of one capture-pipeline run.
type CaptureResult struct {
	Success bool
	URL     string
	TS      time.Time

	Validation ValidationResult

	Artifacts map[string]string // kind -> path, e.g. "screenshot" -> ".../screenshot.png"

	Title           string
	MetaDescription string
	Links           []string
	ImageCount      int
	VideoCount      int

	HTTPStatus    int
	ContentLength int
	WordCount     int

	Behaviors *BehaviorStats

	DurationMs int64
	Error      string

	SchemaVersion int
}
