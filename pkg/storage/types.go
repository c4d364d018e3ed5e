package storage

import (
	"time"

	"github.com/spindex/spindex/pkg/reference"
)

// Stage is the last pipeline stage a package went through.
type Stage string

const (
	StageReconciliation Stage = "reconciliation"
	StageIngestion      Stage = "ingestion"
	StageAnalysis       Stage = "analysis"
)

// Status is the outcome of the last stage a package went through.
type Status string

const (
	StatusOK                         Status = "ok"
	StatusNew                        Status = "new"
	StatusAnalysisFailed             Status = "analysisFailed"
	StatusIngestionFailed            Status = "ingestionFailed"
	StatusInvalidCachePath           Status = "invalidCachePath"
	StatusCacheDirectoryDoesNotExist Status = "cacheDirectoryDoesNotExist"
	StatusInvalidURL                 Status = "invalidUrl"
	StatusMetadataRequestFailed      Status = "metadataRequestFailed"
	StatusNotFound                   Status = "notFound"
	StatusNoValidVersions            Status = "noValidVersions"
	StatusShellCommandFailed         Status = "shellCommandFailed"
)

// Package is an entry of the package index.
type Package struct {
	ID        string
	URL       string
	Stage     Stage
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Release is a hosting-provider release attached to a tag.
type Release struct {
	TagName     string    `json:"tagName"`
	Notes       string    `json:"notes,omitempty"`
	NotesHTML   string    `json:"notesHtml,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
	IsDraft     bool      `json:"isDraft,omitempty"`
}

// Author is a git contributor as reported by shortlog.
type Author struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Commits int    `json:"commits"`
}

// Repository holds hosting-provider metadata for a package (1:1).
type Repository struct {
	ID        string
	PackageID string

	// Hosting metadata, written by ingestion.
	Owner                   string
	Name                    string
	OwnerAvatarURL          string
	Summary                 string
	DefaultBranch           string
	Homepage                string
	Stars                   int
	Forks                   int
	OpenIssues              int
	OpenPullRequests        int
	IsArchived              bool
	ForkedFrom              string
	License                 string
	LicenseURL              string
	ReadmeURL               string
	ReadmeHTMLURL           string
	ReadmeETag              string
	LastIssueClosedAt       time.Time
	LastPullRequestClosedAt time.Time
	Releases                []Release
	Topics                  []string

	// Git statistics, written by analysis from the checkout.
	CommitCount     int
	FirstCommitDate time.Time
	LastCommitDate  time.Time
	Authors         []Author

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GitStats are the repository fields derived from the local checkout.
type GitStats struct {
	CommitCount     int
	FirstCommitDate time.Time
	LastCommitDate  time.Time
	Authors         []Author
}

// Latest marks one of the significant versions of a package.
type Latest string

const (
	LatestNone          Latest = ""
	LatestRelease       Latest = "release"
	LatestPreRelease    Latest = "preRelease"
	LatestDefaultBranch Latest = "defaultBranch"
)

// SupportedPlatform is a minimum deployment target from the manifest.
type SupportedPlatform struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Version is a package at a given (reference, commit).
type Version struct {
	ID          string
	PackageID   string
	Reference   reference.Reference
	Commit      string
	CommitDate  time.Time
	Latest      Latest
	PackageName string

	ToolsVersion       string
	SupportedPlatforms []SupportedPlatform
	SwiftVersions      []string

	ReleaseNotes     string
	ReleaseNotesHTML string
	PublishedAt      time.Time
	URL              string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImmutableReference returns the (reference, commit) pair of v.
func (v Version) ImmutableReference() reference.ImmutableReference {
	return reference.ImmutableReference{Reference: v.Reference, Commit: v.Commit}
}

// Product is a product declared by a version's manifest.
type Product struct {
	ID        string
	VersionID string
	Name      string
	Type      string
	Targets   []string
}

// Target is a target declared by a version's manifest.
type Target struct {
	ID        string
	VersionID string
	Name      string
	Type      string
}

// BuildStatus is the state of a build job.
type BuildStatus string

const (
	BuildPending             BuildStatus = "pending"
	BuildTriggered           BuildStatus = "triggered"
	BuildOK                  BuildStatus = "ok"
	BuildFailed              BuildStatus = "failed"
	BuildTimeout             BuildStatus = "timeout"
	BuildInfrastructureError BuildStatus = "infrastructureError"
)

// Build is a (version, platform, swift version) build record.
type Build struct {
	ID           string
	VersionID    string
	Platform     string
	SwiftVersion string
	Status       BuildStatus
	JobURL       string
	RunnerID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StageStats counts packages per stage and status.
type StageStats struct {
	Stage  Stage
	Status Status
	Count  int
}
