package pipeline

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/spindex/spindex/pkg/storage"
)

// Kind classifies pipeline failures. It decides both the package status that
// gets stored and the severity the failure is alerted with.
type Kind string

const (
	KindInvalidCachePath           Kind = "invalidCachePath"
	KindCacheDirectoryDoesNotExist Kind = "cacheDirectoryDoesNotExist"
	KindShellCommandFailed         Kind = "shellCommandFailed"
	KindInvalidRevision            Kind = "invalidRevision"
	KindNoValidVersions            Kind = "noValidVersions"
	KindInvalidURL                 Kind = "invalidUrl"
	KindMetadataRequestFailed      Kind = "metadataRequestFailed"
	KindRateLimited                Kind = "rateLimited"
	KindNotFound                   Kind = "notFound"
	KindUniqueViolation            Kind = "uniqueViolation"
	KindSaveFailed                 Kind = "saveFailed"
	KindEnvironment                Kind = "environment"
	KindGeneric                    Kind = "genericError"
)

// Severity is the alerting level of a failure.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "critical"
	}
}

// Level maps the severity onto a logrus level. Critical stays at error level
// so that it never terminates the process; the severity field tells them apart.
func (s Severity) Level() logrus.Level {
	if s == SeverityWarning {
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}

// Severity returns the alerting level for the kind.
func (k Kind) Severity() Severity {
	switch k {
	case KindRateLimited, KindEnvironment:
		return SeverityCritical
	case KindUniqueViolation, KindInvalidRevision, KindNotFound:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Status returns the package status recorded for a failure of this kind
// during the given stage.
func (k Kind) Status(stage storage.Stage) storage.Status {
	switch k {
	case KindInvalidCachePath:
		return storage.StatusInvalidCachePath
	case KindCacheDirectoryDoesNotExist:
		return storage.StatusCacheDirectoryDoesNotExist
	case KindShellCommandFailed:
		return storage.StatusShellCommandFailed
	case KindNoValidVersions:
		return storage.StatusNoValidVersions
	case KindInvalidURL:
		return storage.StatusInvalidURL
	case KindMetadataRequestFailed, KindRateLimited:
		return storage.StatusMetadataRequestFailed
	case KindNotFound:
		return storage.StatusNotFound
	}
	if stage == storage.StageAnalysis {
		return storage.StatusAnalysisFailed
	}
	return storage.StatusIngestionFailed
}

// Error is a failure tagged with its kind and, when known, the package and
// version it belongs to.
type Error struct {
	Kind      Kind
	PackageID string
	VersionID string
	Err       error
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.PackageID != "" && e.VersionID != "":
		prefix = fmt.Sprintf("%s (package %s, version %s)", e.Kind, e.PackageID, e.VersionID)
	case e.PackageID != "":
		prefix = fmt.Sprintf("%s (package %s)", e.Kind, e.PackageID)
	case e.VersionID != "":
		prefix = fmt.Sprintf("%s (version %s)", e.Kind, e.VersionID)
	default:
		prefix = string(e.Kind)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError tags err with a kind and package id.
func NewError(kind Kind, packageID string, err error) *Error {
	return &Error{Kind: kind, PackageID: packageID, Err: err}
}

// VersionError tags err with a kind and the version it concerns.
func VersionError(kind Kind, versionID string, err error) *Error {
	return &Error{Kind: kind, VersionID: versionID, Err: err}
}

// ErrMissingID is returned for programmer errors where an entity has no id.
var ErrMissingID = errors.New("id was nil")

// KindOf returns the kind of err, KindGeneric for untagged errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, storage.ErrUniqueViolation) {
		return KindUniqueViolation
	}
	return KindGeneric
}

// PackageIDOf returns the package id err is tagged with, if any.
func PackageIDOf(err error) string {
	var pe *Error
	for errors.As(err, &pe) {
		if pe.PackageID != "" {
			return pe.PackageID
		}
		err = pe.Err
		if err == nil {
			break
		}
	}
	return ""
}

// WithPackage tags err with a package id, keeping an existing kind.
func WithPackage(packageID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.PackageID == packageID {
			return err
		}
		return &Error{Kind: pe.Kind, PackageID: packageID, VersionID: pe.VersionID, Err: err}
	}
	return &Error{Kind: KindOf(err), PackageID: packageID, Err: err}
}

// IsFatalForBatch reports whether err must abort a whole batch. Only errors
// that cannot be attributed to a package qualify.
func IsFatalForBatch(err error) bool {
	return err != nil && (errors.Is(err, ErrMissingID) || PackageIDOf(err) == "")
}
