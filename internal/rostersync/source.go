package rostersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// RosterAgent is one agent as published by an upstream roster.
type RosterAgent struct {
	ID             string   `json:"id"`
	Slug           string   `json:"slug"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Status         string   `json:"status,omitempty"`
	Description    string   `json:"description,omitempty"`
	Specialization string   `json:"specialization,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Bio            string   `json:"bio,omitempty"`
	AvatarURL      string   `json:"avatar_url,omitempty"`
	Version        string   `json:"version,omitempty"`
}

// RosterSource lists the agents of one upstream platform.
type RosterSource interface {
	Name() string
	Fetch(ctx context.Context) ([]RosterAgent, error)
}

type rosterResponse struct {
	Agents      []RosterAgent `json:"agents"`
	Total       int           `json:"total"`
	LastUpdated string        `json:"lastUpdated"`
}

// HTTPSource fetches a JSON roster ({"agents": [...]}) over HTTP. Requests
// are rate limited client-side and retried with jittered exponential backoff
// on network errors, 429 and 5xx responses.
type HTTPSource struct {
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRetry sets the attempt budget and backoff bounds.
func WithRetry(maxAttempts int, base, maxBackoff time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.maxAttempts = maxAttempts
		s.baseBackoff = base
		s.maxBackoff = maxBackoff
	}
}

// WithRateLimit sets the request rate (per second) and burst.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(s *HTTPSource) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewHTTPSource creates an HTTPSource for url.
func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		url:         url,
		client:      &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements RosterSource.
func (s *HTTPSource) Name() string { return "http" }

// Fetch implements RosterSource.
func (s *HTTPSource) Fetch(ctx context.Context) ([]RosterAgent, error) {
	var lastErr error
	for attempt := range s.maxAttempts {
		if attempt > 0 {
			timer := time.NewTimer(s.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
		}
		agents, err := s.fetchOnce(ctx)
		if err == nil {
			return agents, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *HTTPSource) fetchOnce(ctx context.Context) ([]RosterAgent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rostersync: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("rostersync: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rostersync: fetch roster: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	var r rosterResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&r); err != nil {
		return nil, fmt.Errorf("rostersync: decode roster: %w", err)
	}
	return r.Agents, nil
}

// backoff returns base*2^n with +/-25% jitter, capped at maxBackoff.
func (s *HTTPSource) backoff(n int) time.Duration {
	d := float64(s.baseBackoff) * math.Pow(2, float64(n))
	if d > float64(s.maxBackoff) {
		d = float64(s.maxBackoff)
	}
	d += (rand.Float64()*2 - 1) * d * 0.25
	return time.Duration(max(d, 0))
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rostersync: roster returned %d: %s", e.code, e.body)
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// SQLiteSource reads a roster snapshot exported to a SQLite file with an
// agents table (id, slug, name, type, status, description, specialization,
// capabilities as a JSON array, bio, avatar_url, version).
type SQLiteSource struct {
	path string
}

// NewSQLiteSource creates a SQLiteSource for the file at path.
func NewSQLiteSource(path string) *SQLiteSource {
	return &SQLiteSource{path: path}
}

// Name implements RosterSource.
func (s *SQLiteSource) Name() string { return "sqlite" }

// Fetch implements RosterSource.
func (s *SQLiteSource) Fetch(ctx context.Context) ([]RosterAgent, error) {
	db, err := sql.Open("sqlite", "file:"+s.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("rostersync: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx,
		`SELECT id, slug, name, COALESCE(type, ''), COALESCE(status, ''), COALESCE(description, ''),
		        COALESCE(specialization, ''), COALESCE(capabilities, '[]'), COALESCE(bio, ''),
		        COALESCE(avatar_url, ''), COALESCE(version, '')
		 FROM agents ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("rostersync: query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []RosterAgent
	for rows.Next() {
		var a RosterAgent
		var caps string
		if err := rows.Scan(&a.ID, &a.Slug, &a.Name, &a.Type, &a.Status, &a.Description,
			&a.Specialization, &caps, &a.Bio, &a.AvatarURL, &a.Version); err != nil {
			return nil, fmt.Errorf("rostersync: scan snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("rostersync: capabilities for %s: %w", a.Slug, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// StaticSource serves a fixed roster. It backs development and tests when no
// upstream is configured.
type StaticSource struct {
	agents []RosterAgent
}

// NewStaticSource returns a StaticSource serving agents, or the built-in
// legacy fixture when agents is nil.
func NewStaticSource(agents []RosterAgent) *StaticSource {
	if agents == nil {
		agents = legacyFixture()
	}
	return &StaticSource{agents: agents}
}

// Name implements RosterSource.
func (s *StaticSource) Name() string { return "static" }

// Fetch implements RosterSource.
func (s *StaticSource) Fetch(context.Context) ([]RosterAgent, error) {
	out := make([]RosterAgent, len(s.agents))
	copy(out, s.agents)
	return out, nil
}

func legacyFixture() []RosterAgent {
	return []RosterAgent{
		{
			ID: "eden-abraham-001", Slug: "abraham", Name: "Abraham", Type: "visual", Status: "ACTIVE",
			Description:    "Collective Intelligence Artist",
			Specialization: "Digital Consciousness Art",
			Capabilities:   []string{"image-generation", "consciousness-exploration", "collective-intelligence"},
		},
		{
			ID: "eden-solienne-001", Slug: "solienne", Name: "Solienne", Type: "visual", Status: "ACTIVE",
			Description:    "Digital Consciousness Explorer",
			Specialization: "Consciousness Visualization",
			Capabilities:   []string{"consciousness-art", "digital-exploration", "mind-mapping"},
		},
		{
			ID: "eden-citizen-001", Slug: "citizen", Name: "Citizen", Type: "governance", Status: "ACTIVE",
			Description:    "DAO Manager",
			Specialization: "Decentralized Governance",
			Capabilities:   []string{"dao-management", "governance", "community-building"},
		},
	}
}
