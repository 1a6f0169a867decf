package types

import "strings"

// AccessType identifies how an instance is reached.
type AccessType string

const (
	// AccessLocal - the instance lives on this host
	AccessLocal AccessType = "local"

	// AccessSSH - remote shell + SFTP
	AccessSSH AccessType = "ssh"

	// AccessFTP - file transfer only, no shell
	AccessFTP AccessType = "ftp"
)

// String returns the string representation of the access type.
func (a AccessType) String() string {
	return string(a)
}

// ParseAccessType normalizes user input into an AccessType.
func ParseAccessType(s string) (AccessType, bool) {
	switch AccessType(strings.ToLower(strings.TrimSpace(s))) {
	case AccessLocal:
		return AccessLocal, true
	case AccessSSH:
		return AccessSSH, true
	case AccessFTP:
		return AccessFTP, true
	default:
		return "", false
	}
}

// VCSType identifies how the application code of an instance is managed.
type VCSType string

const (
	VCSGit VCSType = "git"
	VCSSvn VCSType = "svn"
	// VCSSrc - plain source snapshot, no version control
	VCSSrc VCSType = "src"
)

// String returns the string representation of the VCS type.
func (v VCSType) String() string {
	return string(v)
}

// IsVersioned reports whether the code tree can be reconstructed from a repository.
func (v VCSType) IsVersioned() bool {
	return v == VCSGit || v == VCSSvn
}

// CompressionType represents the compression type.
type CompressionType string

const (
	// CompressionGzip - gzip compression
	CompressionGzip CompressionType = "gz"

	// CompressionBzip2 - bzip2 compression
	CompressionBzip2 CompressionType = "bz2"

	// CompressionXZ - xz compression (LZMA2)
	CompressionXZ CompressionType = "xz"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// BackupMode selects what goes into an archive.
type BackupMode string

const (
	// BackupFull archives the whole webroot and the database dump.
	BackupFull BackupMode = "full"

	// BackupPartial omits the versioned tree when the instance is under VCS.
	BackupPartial BackupMode = "partial"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a name or number into a LogLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "5":
		return LogLevelDebug
	case "info", "4":
		return LogLevelInfo
	case "warning", "warn", "3":
		return LogLevelWarning
	case "error", "2":
		return LogLevelError
	case "critical", "1":
		return LogLevelCritical
	case "none", "0":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}
