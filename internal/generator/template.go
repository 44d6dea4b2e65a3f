package generator

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"geppetto/internal/model"
	"geppetto/pkg/logx"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template renders the built-in detector artifact from embedded templates.
type Template struct {
	log  logx.Logger
	tmpl *template.Template
}

func NewTemplate(log logx.Logger) (*Template, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing artifact templates: %w", err)
	}
	return &Template{log: log, tmpl: tmpl}, nil
}

type ruleContext struct {
	ID          string `json:"rule_id"`
	Name        string `json:"name"`
	Code        string `json:"code,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
}

type entryContext struct {
	JobID   string
	JobName string
}

// Generate wipes outDir (preserving a .git subtree, if present) and writes the
// entry point plus the serialized rule set and data-source configuration.
func (t *Template) Generate(ctx context.Context, job model.Job, rules []model.Rule, outDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rules) == 0 {
		return fmt.Errorf("job %s: no rules to generate from", job.ID)
	}

	if err := recreateDir(outDir, job.ID); err != nil {
		return err
	}

	// Entry point.
	f, err := os.Create(filepath.Join(outDir, "main.py"))
	if err != nil {
		return err
	}
	err = t.tmpl.ExecuteTemplate(f, "main.py.tmpl", entryContext{JobID: job.ID, JobName: job.Name})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("rendering entry point: %w", err)
	}

	// Rule set.
	rcs := make([]ruleContext, 0, len(rules))
	for _, r := range rules {
		rc := ruleContext{ID: r.ID, Name: r.Name}
		if len(r.Definition) > 0 {
			// Rule definitions already carry code/severity/description fields.
			_ = json.Unmarshal(r.Definition, &rc)
		}
		rcs = append(rcs, rc)
	}
	if err := writeJSON(filepath.Join(outDir, "rules.json"), rcs); err != nil {
		return err
	}

	// Data source configuration.
	if err := writeJSON(filepath.Join(outDir, "data_source.json"), ParseDataSource(job.Config)); err != nil {
		return err
	}

	t.log.Debug("artifact generated",
		logx.String("job", job.ID),
		logx.Int("rules", len(rules)),
		logx.String("dir", outDir),
	)
	return nil
}

// recreateDir clears outDir for a fresh render, moving a .git subtree aside
// and back so deployment checkouts survive regeneration.
func recreateDir(outDir, jobID string) error {
	gitDir := filepath.Join(outDir, ".git")
	gitBackup := ""
	if _, err := os.Stat(gitDir); err == nil {
		gitBackup = filepath.Join(filepath.Dir(outDir), ".git_backup_"+jobID)
		_ = os.RemoveAll(gitBackup)
		if err := os.Rename(gitDir, gitBackup); err != nil {
			return fmt.Errorf("preserving .git: %w", err)
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	if gitBackup != "" {
		if err := os.Rename(gitBackup, gitDir); err != nil {
			return fmt.Errorf("restoring .git: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
