package transcript

import (
	"path/filepath"
	"strings"
)

// EncodeProjectPath maps an absolute project path to the directory name the
// agent CLI uses under its transcript root. The encoding replaces path
// separators with dashes and is stable for a given path.
func EncodeProjectPath(projectPath string) string {
	cleaned := filepath.Clean(projectPath)
	encoded := strings.ReplaceAll(cleaned, string(filepath.Separator), "-")
	encoded = strings.ReplaceAll(encoded, ".", "-")
	return encoded
}

// ProjectDir returns the transcript directory for a project path under the
// configured transcript root.
func ProjectDir(root, projectPath string) string {
	return filepath.Join(root, EncodeProjectPath(projectPath))
}
