package upload

import (
	"strings"

	"github.com/JakeFAU/navtrack/internal/hash/sha256"
	"github.com/JakeFAU/navtrack/internal/track"
)

var testIDKeys = []string{"testId", "test_id", "testID"}

// DeriveTestID returns a stable identifier for the test behind s: an
// explicit metadata value, else a digest of spec file and test name, else the
// session ID.
func DeriveTestID(s track.Session) string {
	if v := MetadataTestID(s); v != "" {
		return v
	}
	if s.SpecFile != "" || s.TestName != "" {
		digest, err := sha256.New().HashValue(map[string]string{
			"spec_file": s.SpecFile,
			"test_name": s.TestName,
		})
		if err == nil {
			return "t-" + digest[:16]
		}
	}
	return s.SessionID
}

// MetadataTestID returns the explicit test ID carried in session metadata.
func MetadataTestID(s track.Session) string {
	for _, key := range testIDKeys {
		if v := strings.TrimSpace(s.Metadata[key]); v != "" {
			return v
		}
	}
	return ""
}
