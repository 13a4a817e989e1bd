package checkpoint

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Artifact name prefixes and markers
const (
	tempPrefix      = "temp_"
	backupPrefix    = "backup_"
	cancelledPrefix = "cancelled_"
	emergencyPrefix = "emergency_save_"
	fallbackMarker  = "_fallback_"
	defaultSource   = "generation"
	artifactExt     = ".wav"
)

// nameTimeLayout stamps final artifact names
const nameTimeLayout = "20060102_150405"

// markerTimeLayout stamps backups and other copies, fine enough to keep
// several backups per second apart
const markerTimeLayout = "20060102_150405.000"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Naming holds the inputs the session artifact name is derived from
type Naming struct {
	Voice  string
	Source string
}

// sanitize keeps a name component filesystem safe
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// FileName derives the final artifact name. It must be computed once per
// session, at the first checkpoint.
func (n Naming) FileName(at time.Time) string {
	base := defaultSource
	if n.Source != "" {
		stem := strings.TrimSuffix(filepath.Base(n.Source), filepath.Ext(n.Source))
		if s := sanitize(stem); s != "" {
			base = s
		}
	}

	parts := []string{base, at.Format(nameTimeLayout)}
	if v := sanitize(n.Voice); v != "" {
		parts = append(parts, v)
	}
	return strings.Join(parts, "_") + artifactExt
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// TempName is the growing artifact's name inside the session directory
func TempName(name string) string {
	return tempPrefix + name
}

// BackupName names a pre-append copy of the artifact file called base
func BackupName(base string, at time.Time) string {
	return backupPrefix + at.Format(markerTimeLayout) + "_" + base
}

// CancelledName names the copy preserved when a session is cancelled
func CancelledName(name string, at time.Time) string {
	return cancelledPrefix + at.Format(nameTimeLayout) + "_" + name
}

// EmergencyName names the best-effort save written on cancellation or crash
func EmergencyName(name string, at time.Time) string {
	return emergencyPrefix + at.Format(nameTimeLayout) + "_" + name
}

// FallbackName names the artifact when it lives in a fallback location
func FallbackName(name string, at time.Time) string {
	return stem(name) + fallbackMarker + at.Format(nameTimeLayout) + artifactExt
}

// BackupPatterns matches backups of any artifact
func BackupPatterns() []string {
	return []string{backupPrefix + "*" + artifactExt}
}

// BackupPatternsFor matches backups of the artifact file called base
func BackupPatternsFor(base string) []string {
	return []string{backupPrefix + "*_" + base}
}

// SessionPatterns matches fallback, emergency and cancelled copies of the
// artifact called name. An empty name matches copies from any session.
func SessionPatterns(name string) []string {
	if name == "" {
		return []string{
			"*" + fallbackMarker + "*" + artifactExt,
			emergencyPrefix + "*" + artifactExt,
			cancelledPrefix + "*" + artifactExt,
		}
	}
	return []string{
		stem(name) + fallbackMarker + "*" + artifactExt,
		emergencyPrefix + "*_" + name,
		cancelledPrefix + "*_" + name,
		cancelledPrefix + "*_" + TempName(name),
	}
}

// NamePattern matches any artifact derived from the naming inputs,
// regardless of the timestamp chosen at the first checkpoint
func (n Naming) NamePattern() string {
	name := n.FileName(time.Time{})
	zero := time.Time{}.Format(nameTimeLayout)
	return strings.Replace(name, zero, "*", 1)
}

// FinalName strips temp, backup, cancelled, emergency and fallback markers
// from a recovered file name
func FinalName(path string) string {
	base := filepath.Base(path)
	for _, prefix := range []string{backupPrefix, cancelledPrefix, emergencyPrefix} {
		if strings.HasPrefix(base, prefix) {
			rest := strings.TrimPrefix(base, prefix)
			if i := strings.Index(rest, "_"); i >= 0 {
				// marker timestamps contain exactly one underscore
				if j := strings.Index(rest[i+1:], "_"); j >= 0 {
					rest = rest[i+1+j+1:]
				}
			}
			base = rest
		}
	}
	base = strings.TrimPrefix(base, tempPrefix)
	if i := strings.Index(base, fallbackMarker); i >= 0 {
		base = base[:i] + artifactExt
	}
	return base
}
