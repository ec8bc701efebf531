package store

import (
	"errors"
	"time"
)

var (
	// ErrPostNotFound means the job references a post that no longer exists.
	// This is a data inconsistency, not a transient failure: the job is
	// discarded rather than retried.
	ErrPostNotFound = errors.New("post not found")

	// ErrNotLinked means no credential row exists for the account.
	ErrNotLinked = errors.New("account not linked")

	// ErrJobNotFound is returned by job lookups and conditional job updates.
	ErrJobNotFound = errors.New("job not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
	PostFailed    PostStatus = "failed"
)

// Post is a social-media post owned by an account.
//
// Status transitions: draft -> scheduled (on enqueue), then exactly one of
// published/failed once the worker finishes all attempts. Only the dispatcher
// performs terminal writes.
type Post struct {
	ID          string
	AccountID   string
	Content     string
	Status      PostStatus
	ScheduledAt *time.Time
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
}

// Account is a linked external-API credential row.
//
// AccessToken and RefreshToken are stored encrypted (hex-encoded AES-GCM
// nonce||ciphertext||tag); the store never sees plaintext tokens.
type Account struct {
	ID           string
	AuthorURN    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type JobState string

const (
	// JobPending jobs are waiting for their due time (including retries).
	JobPending JobState = "pending"
	// JobInflight jobs are exclusively claimed by one worker.
	JobInflight JobState = "inflight"
	// JobExhausted jobs failed all attempts and are retained for inspection.
	JobExhausted JobState = "exhausted"
)

// Job is one scheduled publish for one post, with retry bookkeeping.
// Completed jobs are deleted; exhausted jobs are retained.
type Job struct {
	ID           string
	PostID       string
	RunAt        time.Time
	State        JobState
	AttemptsMade int
	MaxAttempts  int
	BackoffBase  time.Duration
	LastError    string
	UpdatedAt    time.Time
}
