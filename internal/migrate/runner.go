package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatementError records one failed statement.  Index is 1-based.
type StatementError struct {
	Index   int    `json:"index"`
	Preview string `json:"preview"`
	Err     string `json:"error"`
}

// Report summarises one file.
type Report struct {
	File      string           `json:"file"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Skipped   int              `json:"skipped,omitempty"`
	Failed    []StatementError `json:"failed,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// OK reports whether every statement ran and succeeded.
func (r Report) OK() bool { return len(r.Failed) == 0 && r.Skipped == 0 }

// Runner executes statements one at a time.  A failed statement is logged
// and recorded, and the run moves on to the next one.
type Runner struct {
	exec       Executor
	log        *zap.Logger
	dryRun     bool
	previewLen int
	dialect    Dialect
}

// Option configures a Runner.
type Option func(*Runner)

// WithDryRun logs statements without executing them.
func WithDryRun(v bool) Option { return func(r *Runner) { r.dryRun = v } }

// WithDialect sets the quoting rules used to split files.  The default is
// MySQL.
func WithDialect(d Dialect) Option { return func(r *Runner) { r.dialect = d } }

// WithPreviewLen sets how much of each statement is logged.
func WithPreviewLen(n int) Option { return func(r *Runner) { r.previewLen = n } }

// NewRunner returns a Runner using exec.
func NewRunner(exec Executor, log *zap.Logger, opts ...Option) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{exec: exec, log: log, previewLen: 80}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes stmts in order.  Cancelling ctx stops the run; statements
// not attempted are counted as skipped.
func (r *Runner) Run(ctx context.Context, name string, stmts []string) Report {
	start := time.Now()
	rep := Report{File: name, Total: len(stmts)}
	n := len(stmts)
	r.log.Info("applying", zap.String("file", name), zap.Int("statements", n), zap.Bool("dry_run", r.dryRun))

	for i, stmt := range stmts {
		if ctx.Err() != nil {
			rep.Skipped = n - i
			r.log.Warn("run cancelled", zap.String("file", name), zap.Int("skipped", rep.Skipped))
			break
		}
		preview := Preview(stmt, r.previewLen)
		step := fmt.Sprintf("[%d/%d]", i+1, n)
		if r.dryRun {
			r.log.Info(step+" dry-run", zap.String("sql", preview))
			rep.Succeeded++
			continue
		}
		if err := r.exec.Exec(ctx, stmt); err != nil {
			r.log.Error(step+" failed", zap.String("sql", preview), zap.Error(err))
			rep.Failed = append(rep.Failed, StatementError{Index: i + 1, Preview: preview, Err: err.Error()})
			continue
		}
		r.log.Info(step+" ok", zap.String("sql", preview))
		rep.Succeeded++
	}
	rep.Duration = time.Since(start)
	r.log.Info("done", zap.String("file", name), zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", len(rep.Failed)), zap.Duration("took", rep.Duration))
	return rep
}

// RunFile reads, splits and runs one file.
func (r *Runner) RunFile(ctx context.Context, path string) (Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Report{File: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return r.Run(ctx, path, SplitDialect(string(b), r.dialect)), nil
}

// RunFiles runs every path in order.  Directories expand to their *.sql
// files in lexical order.  An unreadable file stops the run, since later
// files usually depend on it.
func (r *Runner) RunFiles(ctx context.Context, paths []string) ([]Report, error) {
	files, err := ExpandPaths(paths)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(files))
	for _, f := range files {
		rep, err := r.RunFile(ctx, f)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
		if ctx.Err() != nil {
			break
		}
	}
	return reports, nil
}

// ExpandPaths resolves directories to the .sql files directly inside them.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
				names = append(names, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(names)
		out = append(out, names...)
	}
	return out, nil
}

// Failed counts failed statements across reports.
func Failed(reports []Report) int {
	n := 0
	for _, r := range reports {
		n += len(r.Failed) + r.Skipped
	}
	return n
}
