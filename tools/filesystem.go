package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/errors"
)

// ReadFileTool reads a whole file, unless the path is hidden.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]string{"path": "Path of the file to read."}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", errors.New("missing or invalid 'path' argument")
	}
	path = filepath.Clean(path)
	if err := checkAccess(ctx, path, t.fsAccess, false); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool replaces a file's content, creating missing parent
// directories. Hidden and read-only paths are refused.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]string{
		"path":    "Path of the file to write.",
		"content": "Full new content of the file.",
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk || path == "" {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	path = filepath.Clean(path)
	if err := checkAccess(ctx, path, t.fsAccess, true); err != nil {
		return "", err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// checkAccess refuses paths matched by the hidden patterns and, for
// writes, the read-only ones. A cancelled turn touches no file.
func checkAccess(ctx context.Context, path string, access *config.FilesystemAccess, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if access == nil {
		return nil
	}
	hidden, err := isPathRestricted(path, access.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	if !write {
		return nil
	}
	readOnly, err := isPathRestricted(path, access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}
