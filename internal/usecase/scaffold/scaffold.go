// Package scaffold materializes small throwaway projects (npm, pyright,
// cargo) so tool shortcuts can run a snippet inside a real project layout.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"robo/internal/domain"
)

// RequireMarker prefixes a dependency line inside a snippet.
const RequireMarker = "// robo require:"

//go:embed templates
var templates embed.FS

// Values are substituted into template files.
type Values struct {
	Content      string
	Requirements string
}

// Workspace is a materialized scaffold in a fresh temporary directory.
type Workspace struct {
	Name string
	Dir  string
}

// Close removes the workspace directory.
func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Names lists the available templates.
func Names() []string {
	entries, err := templates.ReadDir("templates")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out
}

// Materialize renders template name with values into a new temporary
// directory. Files ending in .tmpl lose the suffix. The caller must Close
// the workspace.
func Materialize(name string, values Values) (*Workspace, error) {
	const op = "scaffold.Materialize"
	root := path.Join("templates", name)
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, domain.NewSubSystemError("scaffold", op, domain.ErrTemplateNotFound, fmt.Sprintf("%q", name))
	}
	if info, err := fs.Stat(templates, root); err != nil || !info.IsDir() {
		return nil, domain.NewSubSystemError("scaffold", op, domain.ErrTemplateNotFound, fmt.Sprintf("%q", name))
	}

	dir, err := os.MkdirTemp("", "robo-"+name+"-")
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	ws := &Workspace{Name: name, Dir: dir}

	err = fs.WalkDir(templates, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel := strings.TrimPrefix(p, root+"/")
		target := filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(rel, ".tmpl")))
		return renderFile(p, target, values)
	})
	if err != nil {
		_ = ws.Close()
		return nil, domain.WrapOp(op, err)
	}
	return ws, nil
}

func renderFile(src, target string, values Values) error {
	raw, err := templates.ReadFile(src)
	if err != nil {
		return err
	}
	tmpl, err := template.New(path.Base(src)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return fmt.Errorf("render %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, buf.Bytes(), 0o644)
}

// Requirements returns the text after marker on every line of source that
// carries it, trimmed, in order of appearance.
func Requirements(source, marker string) []string {
	if marker == "" {
		marker = RequireMarker
	}
	var out []string
	for _, line := range strings.Split(source, "\n") {
		i := strings.Index(line, marker)
		if i < 0 {
			continue
		}
		if req := strings.TrimSpace(line[i+len(marker):]); req != "" {
			out = append(out, req)
		}
	}
	return out
}
