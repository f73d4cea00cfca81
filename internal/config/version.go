package config

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the schema version this build writes and reads
// without migration.
const CurrentSchemaVersion = "1.0"

// SchemaVersion is a semantic major.minor version for the HCL document.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses "X.Y". An empty string defaults to 0.9, the
// implicit version of every document written before schema_version
// existed; loading one with AutoMigrate set stamps it up to
// CurrentSchemaVersion on next load.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 0, Minor: 9}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", parts[1])
	}
	return SchemaVersion{Major: major, Minor: minor}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v SchemaVersion) Compare(other SchemaVersion) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// NeedsMigration reports whether v is older than target.
func (v SchemaVersion) NeedsMigration(target SchemaVersion) bool {
	return v.Compare(target) < 0
}

// SupportedVersions lists every schema version this build can read:
// the current version plus the implicit pre-schema_version one, which
// only ever arrives via AutoMigrate.
var SupportedVersions = []SchemaVersion{{Major: 1, Minor: 0}, {Major: 0, Minor: 9}}

// IsSupportedVersion reports whether v has a parser.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}
