package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Build tree layout, rooted at the compiler working dir:
//
//	{working_dir}/{program_id}/{version}/
//	    program.sql   materialized source
//	    src/          native source tree emitted by the SQL compiler
//	    schema.json   relation schema emitted by the SQL compiler
//	    pipeline      final executable
//	    sql.log       stage logs
//	    native.log
//
// A version directory is append-only: the supervisor only reads it after the
// program reaches Success, by which point the compiler is done writing.

func buildDir(root string, programID uuid.UUID, version int64) string {
	return filepath.Join(root, programID.String(), fmt.Sprintf("%d", version))
}

func sourcePath(dir string) string    { return filepath.Join(dir, "program.sql") }
func sourceTreeDir(dir string) string { return filepath.Join(dir, "src") }
func schemaPath(dir string) string    { return filepath.Join(dir, "schema.json") }
func binaryPath(dir string) string    { return filepath.Join(dir, "pipeline") }

func logPath(dir, stage string) string { return filepath.Join(dir, stage+".log") }

// materializeSource prepares a fresh build directory with the program source.
// Any leftovers from a previous attempt at the same version are discarded.
func materializeSource(dir, code string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear build dir: %w", err)
	}
	if err := os.MkdirAll(sourceTreeDir(dir), 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	if err := os.WriteFile(sourcePath(dir), []byte(code), 0o644); err != nil {
		return fmt.Errorf("write program source: %w", err)
	}
	return nil
}
