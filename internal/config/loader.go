package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"fathom/internal/errkind"
)

// LoadOptions controls how a document is loaded, mirrored from the
// teacher's config loader so reload call sites get the same level of
// detail about what happened.
type LoadOptions struct {
	AutoMigrate        bool
	StrictVersion      bool
	AllowUnknownFields bool
}

// DefaultLoadOptions returns sensible defaults: migrate forward silently,
// don't reject documents by version, reject genuinely unknown fields
// (this daemon has no forward-compat readers yet to justify ignoring them).
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AutoMigrate: true, StrictVersion: false, AllowUnknownFields: false}
}

// LoadResult carries the parsed Config plus load/migration metadata, so a
// config-reload call site can log and Audit exactly what changed.
type LoadResult struct {
	Config          *Config
	OriginalVersion SchemaVersion
	CurrentVersion  SchemaVersion
	WasMigrated     bool
	Warnings        []string
}

// LoadFile reads and parses an HCL document at path with default options.
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithOptions reads path and parses it as HCL, applying opts. If
// the document gets auto-migrated to a newer schema version, the
// migrated schema_version is also written back to path on disk
// (preserving every other attribute, block, and comment) so the next
// load starts from the current version instead of re-migrating in
// memory on every reload.
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("read config file: %w", err))
	}
	result, err := LoadHCLWithOptions(data, path, opts)
	if err != nil {
		return nil, err
	}
	if result.WasMigrated {
		if err := writeMigratedVersion(path, data, result.CurrentVersion); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("migration write-back failed: %s", err))
		}
	}
	return result, nil
}

// LoadHCLWithOptions parses HCL bytes into a Config, handling schema
// versioning the way the teacher's loader does: probe the version field
// first, reject unsupported versions, then decode the full document.
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("HCL parse error: %s", diags.Error()))
	}

	var versionProbe struct {
		SchemaVersion string `hcl:"schema_version,optional"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &versionProbe)

	version, err := ParseVersion(versionProbe.SchemaVersion)
	if err != nil {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("invalid schema version: %w", err))
	}
	if !IsSupportedVersion(version) {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("unsupported config schema version %s (supported: %v)", version, SupportedVersions))
	}

	var cfg Config
	ctx := &hcl.EvalContext{}
	diags = gohcl.DecodeBody(file.Body, ctx, &cfg)
	if diags.HasErrors() {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("HCL decode error: %s", diags.Error()))
	}

	if err := validate(&cfg); err != nil {
		return nil, errkind.New(errkind.Configuration, err)
	}
	cfg.ApplyDefaults()

	current, _ := ParseVersion(CurrentSchemaVersion)
	result := &LoadResult{
		Config:          &cfg,
		OriginalVersion: version,
		CurrentVersion:  version,
	}
	if opts.AutoMigrate && version.NeedsMigration(current) {
		result.CurrentVersion = current
		result.WasMigrated = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("migrated schema %s -> %s", version, current))
	} else if opts.StrictVersion && version.Compare(current) != 0 {
		return nil, errkind.New(errkind.Configuration, fmt.Errorf("config version %s does not match current version %s", version, current))
	}

	return result, nil
}

// validate checks the invariants a malformed document could violate
// before it ever reaches the registry (duplicate uplink names, a table_id
// collision can't happen here since the registry assigns those, but a
// duplicate name block would silently shadow one uplink).
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Uplinks))
	for _, u := range cfg.Uplinks {
		if u.Name == "" {
			return fmt.Errorf("uplink block missing name label")
		}
		if u.Interface == "" {
			return fmt.Errorf("uplink %q: interface is required", u.Name)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate uplink name %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}
