package scaffold

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"robo/internal/domain"
)

func TestNames(t *testing.T) {
	got := Names()
	want := []string{"cargo", "npm", "pyright"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMaterialize(t *testing.T) {
	tests := []struct {
		name  string
		vals  Values
		files map[string]string // relative path -> expected substring
	}{
		{
			name: "npm",
			vals: Values{Content: "console.log('hi')"},
			files: map[string]string{
				"main.js":      "console.log('hi')",
				"package.json": `"main": "node main.js"`,
			},
		},
		{
			name: "pyright",
			vals: Values{Content: "x: int = 1"},
			files: map[string]string{
				"main.py":            "x: int = 1",
				"pyrightconfig.json": "main.py",
			},
		},
		{
			name: "cargo",
			vals: Values{Content: "fn main() {}", Requirements: `rand = "0.8"`},
			files: map[string]string{
				"src/main.rs": "fn main() {}",
				"Cargo.toml":  `rand = "0.8"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := Materialize(tt.name, tt.vals)
			if err != nil {
				t.Fatalf("Materialize: %v", err)
			}
			for rel, want := range tt.files {
				data, err := os.ReadFile(filepath.Join(ws.Dir, filepath.FromSlash(rel)))
				if err != nil {
					t.Fatalf("read %s: %v", rel, err)
				}
				if !strings.Contains(string(data), want) {
					t.Errorf("%s = %q, want it to contain %q", rel, data, want)
				}
			}
			if _, err := os.Stat(filepath.Join(ws.Dir, "main.js.tmpl")); err == nil {
				t.Error(".tmpl suffix not stripped")
			}

			if err := ws.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
				t.Errorf("workspace dir still exists after Close: %v", err)
			}
		})
	}
}

func TestMaterializeUnknown(t *testing.T) {
	for _, name := range []string{"", "gradle", "../npm", "npm/.."} {
		_, err := Materialize(name, Values{})
		if domain.ErrorCodeOf(err) != domain.CodeTemplateNotFound {
			t.Errorf("Materialize(%q) error = %v, want template not found", name, err)
		}
	}
}

func TestContentIsNotInterpreted(t *testing.T) {
	ws, err := Materialize("npm", Values{Content: "const s = `{{.Content}}`"})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	data, err := os.ReadFile(filepath.Join(ws.Dir, "main.js"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "{{.Content}}") {
		t.Errorf("content was re-templated: %q", data)
	}
}

func TestRequirements(t *testing.T) {
	src := `// robo require: left-pad
const a = 1 // robo require: chalk@5
// robo require:
//robo require: ignored
// robo require:   lodash  `

	got := Requirements(src, "")
	want := []string{"left-pad", "chalk@5", "lodash"}
	if len(got) != len(want) {
		t.Fatalf("Requirements = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Requirements[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := Requirements("# dep: x", "# dep:"); len(got) != 1 || got[0] != "x" {
		t.Errorf("custom marker = %v", got)
	}
}

func TestCloseNil(t *testing.T) {
	var ws *Workspace
	if err := ws.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}
