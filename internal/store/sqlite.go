package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the durable home of posts, credentials and the job queue.
//
// SQLite with a single writer connection gives us the mutual exclusion the
// claim operation needs: a conditional UPDATE either claims a job or matches
// nothing, never both.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Posts ----

func (s *Store) CreatePost(ctx context.Context, p Post) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = PostDraft
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(id, account_id, content, status, scheduled_at, published_at, last_error, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.Content, string(p.Status),
		nullMillis(p.ScheduledAt), nullMillis(p.PublishedAt), nullStr(p.LastError), p.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetPost(ctx context.Context, id string) (Post, error) {
	var (
		p           Post
		status      string
		schedMS     sql.NullInt64
		pubMS       sql.NullInt64
		lastErr     sql.NullString
		createdAtMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, content, status, scheduled_at, published_at, last_error, created_at
		 FROM posts WHERE id = ?`, id,
	).Scan(&p.ID, &p.AccountID, &p.Content, &status, &schedMS, &pubMS, &lastErr, &createdAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrPostNotFound
	}
	if err != nil {
		return Post{}, err
	}
	p.Status = PostStatus(status)
	p.ScheduledAt = millisPtr(schedMS)
	p.PublishedAt = millisPtr(pubMS)
	p.LastError = lastErr.String
	p.CreatedAt = time.UnixMilli(createdAtMS)
	return p, nil
}

// MarkPostScheduled flips a post to scheduled and records its target time.
func (s *Store) MarkPostScheduled(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, scheduled_at=? WHERE id=?`,
		string(PostScheduled), at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrPostNotFound)
}

// MarkPostPublished is the success terminal write.
func (s *Store) MarkPostPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, published_at=?, last_error=NULL WHERE id=?`,
		string(PostPublished), at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrPostNotFound)
}

// MarkPostFailed records a failed attempt. It is written on every failure,
// not just the terminal one, so operators always see the latest error.
func (s *Store) MarkPostFailed(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, last_error=? WHERE id=?`,
		string(PostFailed), nullStr(lastError), id,
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrPostNotFound)
}

// ---- Accounts ----

func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, author_urn, access_token, refresh_token, expires_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   author_urn=excluded.author_urn,
		   access_token=excluded.access_token,
		   refresh_token=excluded.refresh_token,
		   expires_at=excluded.expires_at`,
		a.ID, a.AuthorURN, a.AccessToken, a.RefreshToken, a.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a     Account
		expMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, author_urn, access_token, refresh_token, expires_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.AuthorURN, &a.AccessToken, &a.RefreshToken, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotLinked
	}
	if err != nil {
		return Account{}, err
	}
	a.ExpiresAt = time.UnixMilli(expMS)
	return a, nil
}

// UpdateAccountTokens rotates both tokens and the expiry in one statement, so
// a failed refresh can never leave a half-written credential row.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET access_token=?, refresh_token=?, expires_at=? WHERE id=?`,
		accessToken, refreshToken, expiresAt.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotLinked)
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotLinked)
}

// ListAccountIDs returns every linked account, for the polling sweep.
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- Jobs ----

func (s *Store) InsertJob(ctx context.Context, j Job) error {
	if j.State == "" {
		j.State = JobPending
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.BackoffBase <= 0 {
		j.BackoffBase = time.Minute
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, post_id, run_at, state, attempts_made, max_attempts, backoff_base_ms, last_error, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		j.ID, j.PostID, j.RunAt.UnixMilli(), string(j.State),
		j.AttemptsMade, j.MaxAttempts, j.BackoffBase.Milliseconds(),
		nullStr(j.LastError), time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, post_id, run_at, state, attempts_made, max_attempts, backoff_base_ms, last_error, updated_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimDueJob atomically claims the earliest due pending job.
//
// The claim is exclusive: the UPDATE flips state pending->inflight in a
// single statement, so racing workers cannot both own one job. Ties on
// run_at break by job id for deterministic ordering.
func (s *Store) ClaimDueJob(ctx context.Context, now time.Time) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state=?, updated_at=?
		 WHERE id = (
		   SELECT id FROM jobs WHERE state=? AND run_at <= ?
		   ORDER BY run_at, id LIMIT 1
		 )
		 RETURNING id, post_id, run_at, state, attempts_made, max_attempts, backoff_base_ms, last_error, updated_at`,
		string(JobInflight), now.UnixMilli(), string(JobPending), now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// NextDueAt reports the earliest pending run time, so the claim loop can
// sleep precisely instead of busy-polling.
func (s *Store) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_at FROM jobs WHERE state=? ORDER BY run_at, id LIMIT 1`, string(JobPending),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// CompleteJob removes a successfully delivered job (removeOnComplete).
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrJobNotFound)
}

// DiscardJob removes a job without touching its post (missing-post case).
func (s *Store) DiscardJob(ctx context.Context, id string) error {
	return s.CompleteJob(ctx, id)
}

// RetryJob records a failed attempt and re-enqueues the job for nextRun.
func (s *Store) RetryJob(ctx context.Context, id string, nextRun time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, attempts_made=attempts_made+1, run_at=?, last_error=?, updated_at=?
		 WHERE id=? AND state=?`,
		string(JobPending), nextRun.UnixMilli(), nullStr(lastError), time.Now().UnixMilli(),
		id, string(JobInflight),
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrJobNotFound)
}

// ExhaustJob records the final failed attempt and retains the job for
// operator inspection.
func (s *Store) ExhaustJob(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, attempts_made=attempts_made+1, last_error=?, updated_at=?
		 WHERE id=? AND state=?`,
		string(JobExhausted), nullStr(lastError), time.Now().UnixMilli(),
		id, string(JobInflight),
	)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrJobNotFound)
}

// RequeueInflight returns orphaned inflight jobs to pending.
//
// Called once at dispatcher start: after a crash or hard kill, claimed jobs
// were never completed and would otherwise be stuck forever.
func (s *Store) RequeueInflight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, updated_at=? WHERE state=?`,
		string(JobPending), time.Now().UnixMilli(), string(JobInflight),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- helpers ----

func scanJob(row *sql.Row) (Job, error) {
	var (
		j           Job
		state       string
		runAtMS     int64
		backoffMS   int64
		lastErr     sql.NullString
		updatedAtMS int64
	)
	err := row.Scan(&j.ID, &j.PostID, &runAtMS, &state, &j.AttemptsMade, &j.MaxAttempts, &backoffMS, &lastErr, &updatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	j.RunAt = time.UnixMilli(runAtMS)
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	j.LastError = lastErr.String
	j.UpdatedAt = time.UnixMilli(updatedAtMS)
	return j, nil
}

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
