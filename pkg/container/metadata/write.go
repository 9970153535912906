package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/apptainer/singularity-sub000/pkg/thttp"
)

// Files are the paths of the written metadata files.
type Files struct {
	// Runscript is empty if image has no runscript.
	Runscript   string
	Environment string
	Labels      string
}

// Write stores runtime metadata in dir.
func Write(dir string, rt Runtime) (Files, error) {
	files := Files{
		Environment: filepath.Join(dir, "env", "10-docker.sh"),
		Labels:      filepath.Join(dir, "labels.json"),
	}

	if err := os.MkdirAll(filepath.Dir(files.Environment), 0o755); err != nil {
		return Files{}, errors.WithStack(err)
	}

	if rt.Runscript != nil {
		files.Runscript = filepath.Join(dir, "runscript")
		if err := writeFile(files.Runscript, 0o755, *rt.Runscript); err != nil {
			return Files{}, err
		}
	}

	if err := writeFile(files.Environment, 0o644, EnvironmentScript(rt.Environment)); err != nil {
		return Files{}, err
	}

	if rt.Labels == nil {
		rt.Labels = map[string]any{}
	}
	labels, err := json.MarshalIndent(rt.Labels, "", "  ")
	if err != nil {
		return Files{}, errors.WithStack(err)
	}
	if err := writeFile(files.Labels, 0o644, string(labels)+"\n"); err != nil {
		return Files{}, err
	}

	return files, nil
}

// EnvironmentScript renders variables as shell exports, in the order they are defined.
func EnvironmentScript(env []EnvVar) string {
	var sb strings.Builder
	for _, e := range env {
		if !validEnvName(e.Name) {
			continue
		}
		sb.WriteString("export ")
		sb.WriteString(e.Name)
		sb.WriteString("=")
		sb.WriteString(quote(e.Value))
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeFile(path string, mode os.FileMode, content string) error {
	_, err := thttp.WriteFileAtomic(path, mode, strings.NewReader(content), nil)
	return err
}
