package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"fathom/internal/errkind"
)

// writeMigratedVersion rewrites the schema_version attribute of the HCL
// document at path in place, preserving every other attribute, block,
// and comment exactly as written (spec.md §4.7's auto-migration-on-load
// must not reformat an operator's config), matching the teacher's
// AST-preserving MigrateTo (internal/config/hcl.go).
//
// It writes through a temp file in the same directory and renames over
// the original so a crash mid-write never leaves a half-written config.
func writeMigratedVersion(path string, data []byte, newVersion SchemaVersion) error {
	f, diags := hclwrite.ParseConfig(data, path, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return errkind.New(errkind.Configuration, fmt.Errorf("re-parse for migration write-back: %s", diags.Error()))
	}
	f.Body().SetAttributeValue("schema_version", cty.StringVal(newVersion.String()))

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".migrate-*")
	if err != nil {
		return errkind.New(errkind.Configuration, fmt.Errorf("create migration temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(f.Bytes()); err != nil {
		tmp.Close()
		return errkind.New(errkind.Configuration, fmt.Errorf("write migration temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errkind.New(errkind.Configuration, fmt.Errorf("close migration temp file: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.New(errkind.Configuration, fmt.Errorf("rename migration temp file into place: %w", err))
	}
	return nil
}
