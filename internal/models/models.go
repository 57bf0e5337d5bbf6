// package models defines the data model for the conversion gateway
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/tunegate/internal/shared"
)

// JobStatus is the lifecycle state of an asynchronous [ConversionJob].
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobFinished   JobStatus = "finished"
	JobError      JobStatus = "error"
)

// ParseJobStatus maps a provider status string onto a [JobStatus].
//
// Unknown states are treated as still processing so the poll loop keeps waiting until its deadline.
func ParseJobStatus(s string) JobStatus {
	switch strings.ToLower(s) {
	case "waiting", "queued", "created":
		return JobQueued
	case "finished", "completed", "done":
		return JobFinished
	case "error", "failed":
		return JobError
	default:
		return JobProcessing
	}
}

// PoolEntry is one (credential, endpoint) pair of the RapidAPI quota pool.
type PoolEntry struct {
	Index           int
	CredentialIndex int
	EndpointIndex   int
	Credential      string
	CredentialHash  string
	Host            string
	Path            string
	Method          string
	IDParam         string
	LinkFields      []string
	TitleFields     []string
	ProxyRequired   bool
	RequestsUsed    int
	MaxRequests     int // 0 means unlimited
	Active          bool
	LastAttemptAt   time.Time
	LastSuccessAt   time.Time
}

// UsageKey is the durable counter key: the credential fingerprint joined with the host.
func (e PoolEntry) UsageKey() string {
	return UsageKey(e.CredentialHash, e.Host)
}

// Unlimited reports whether the entry has no request cap.
func (e PoolEntry) Unlimited() bool {
	return e.MaxRequests <= 0
}

// Remaining returns the number of requests left, or -1 when unlimited.
func (e PoolEntry) Remaining() int {
	if e.Unlimited() {
		return -1
	}
	return max(e.MaxRequests-e.RequestsUsed, 0)
}

// Exhausted reports whether a capped entry has used its whole allowance.
func (e PoolEntry) Exhausted() bool {
	return !e.Unlimited() && e.RequestsUsed >= e.MaxRequests
}

// URL builds the request URL for the entry's endpoint.
func (e PoolEntry) URL() string {
	path := e.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "https://" + e.Host + path
}

// String identifies the entry without exposing the credential.
func (e PoolEntry) String() string {
	return fmt.Sprintf("%s@%s", e.CredentialHash, e.Host)
}

// UsageKey joins a credential hash and host into a counter key.
func UsageKey(credentialHash, host string) string {
	return credentialHash + ":" + host
}

// ConversionJob is a job tracked by an asynchronous provider. It is never persisted.
type ConversionJob struct {
	ID      string
	Status  JobStatus
	Link    string
	Title   string
	Message string
}

// Done reports whether the job reached a terminal state.
func (j ConversionJob) Done() bool {
	return j.Status == JobFinished || j.Status == JobError
}

// ConversionResult is the output of a successful provider call.
//
// Ready is true when Link can be handed to a client as-is.
type ConversionResult struct {
	Link            string
	Title           string
	SizeBytes       int64
	DurationSeconds int
	Ready           bool
}

// TrackMetadata holds caller supplied labels. It is used for filenames and never as a cache key.
type TrackMetadata struct {
	Title     string
	Artist    string
	Album     string
	Duration  int
	Thumbnail string
}

// Label renders "Artist - Title", falling back to whichever half is present.
func (m TrackMetadata) Label() string {
	switch {
	case m.Artist != "" && m.Title != "":
		return m.Artist + " - " + m.Title
	case m.Title != "":
		return m.Title
	default:
		return m.Artist
	}
}

// ArtifactRecord is a converted audio file held in durable storage.
//
// One record exists per external id. Records are created once and never mutated.
type ArtifactRecord struct {
	ID          string
	ExternalID  string
	Title       string
	Artist      string
	Album       string
	Duration    int
	Thumbnail   string
	StorageKey  string
	StorageURL  string
	ContentType string
	SizeBytes   int64
	Source      string
	CreatedAt   time.Time
}

// NewArtifactRecord creates a record with a generated id and the current timestamp.
func NewArtifactRecord(externalID string, meta TrackMetadata, key, url string, size int64, source string) *ArtifactRecord {
	return &ArtifactRecord{
		ID:          shared.GenerateID(),
		ExternalID:  externalID,
		Title:       meta.Title,
		Artist:      meta.Artist,
		Album:       meta.Album,
		Duration:    meta.Duration,
		Thumbnail:   meta.Thumbnail,
		StorageKey:  key,
		StorageURL:  url,
		ContentType: "audio/mpeg",
		SizeBytes:   size,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the fields the artifacts table requires.
func (r *ArtifactRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: artifact id is required", shared.ErrInvalidInput)
	case strings.TrimSpace(r.ExternalID) == "":
		return fmt.Errorf("%w: external id is required", shared.ErrInvalidInput)
	case r.StorageKey == "":
		return fmt.Errorf("%w: storage key is required", shared.ErrInvalidInput)
	case r.StorageURL == "":
		return fmt.Errorf("%w: storage url is required", shared.ErrInvalidInput)
	}
	return nil
}

// Metadata returns the descriptive half of the record.
func (r *ArtifactRecord) Metadata() TrackMetadata {
	return TrackMetadata{
		Title:     r.Title,
		Artist:    r.Artist,
		Album:     r.Album,
		Duration:  r.Duration,
		Thumbnail: r.Thumbnail,
	}
}

// Filename is the download name offered to clients.
func (r *ArtifactRecord) Filename() string {
	name := r.Metadata().Label()
	if name == "" {
		name = r.ExternalID
	}
	name = strings.Map(func(c rune) rune {
		switch c {
		case '"', '/', '\\', '\r', '\n':
			return '_'
		}
		return c
	}, name)
	return name + ".mp3"
}

// PoolUsage is the persisted counter of a pool entry.
type PoolUsage struct {
	Key            string
	CredentialHash string
	Host           string
	RequestsUsed   int
	MaxRequests    int
	LastAttemptAt  time.Time
	LastSuccessAt  time.Time
	UpdatedAt      time.Time
}

// DailyUsage is the request count of a strategy for one UTC day (YYYY-MM-DD).
type DailyUsage struct {
	Name  string
	Day   string
	Count int
}

// Day formats t as the UTC date used to key daily counters.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
