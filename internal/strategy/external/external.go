// Package external runs the register CLI container and collects the document it writes.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

const (
	// DefaultImage is the container image invoked for live lookups.
	DefaultImage = "amacado/handelsregister-cli:latest"
	// DefaultTimeout bounds a single container run.
	DefaultTimeout = 90 * time.Second
	// MaxCompanyNameRunes caps the company argument passed to the container.
	MaxCompanyNameRunes = 120
	// MaxChunkLen caps a single protocol entry built from process output.
	MaxChunkLen = 2000
	// SummaryFile is an optional structured extract written next to the PDF.
	SummaryFile = "summary.json"

	containerOutDir = "/out"
	killTimeout     = 10 * time.Second
	maxWalkDepth    = 2
)

// Config tunes the external strategy.
type Config struct {
	Binary     string
	Image      string
	Timeout    time.Duration
	ScratchDir string
}

// Strategy shells out to docker for each job.
type Strategy struct {
	cfg       Config
	artifacts lookup.ArtifactWriter
	logger    *zap.Logger
}

// New constructs an external Strategy, filling defaults for empty fields.
func New(cfg Config, artifacts lookup.ArtifactWriter, logger *zap.Logger) (*Strategy, error) {
	if artifacts == nil {
		return nil, errors.New("artifact writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Strategy{cfg: cfg, artifacts: artifacts, logger: logger}, nil
}

// Mode implements lookup.Strategy.
func (s *Strategy) Mode() lookup.ExecutionMode {
	return lookup.ModeExternal
}

// Execute implements lookup.Strategy.
func (s *Strategy) Execute(ctx context.Context, task lookup.Task, sink lookup.Sink) (lookup.Result, error) {
	name := SanitizeCompanyName(task.CompanyName)
	if name == "" {
		return lookup.Result{}, lookup.NewError(lookup.KindProviderError, "external lookup", errors.New("company name is empty after sanitizing"))
	}

	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, filepath.Base(task.JobID)+"-*")
	if err != nil {
		return lookup.Result{}, lookup.NewError(lookup.KindProviderError, "create scratch dir", err)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if rmErr := os.RemoveAll(scratch); rmErr != nil {
				s.logger.Warn("remove scratch dir", zap.String("dir", scratch), zap.Error(rmErr))
			}
		})
	}
	defer cleanup()

	sink.Log(lookup.SeverityInfo, fmt.Sprintf("Docker Spawn: %s für %q", s.cfg.Image, name))

	code, err := s.run(ctx, scratch, containerName(task.JobID), name, sink)
	if err != nil {
		return lookup.Result{}, err
	}
	sink.Log(lookup.SeverityInfo, fmt.Sprintf("Docker beendet (Code=%d).", code))
	if code != 0 {
		return lookup.Result{}, lookup.NewError(lookup.KindProviderError, "external lookup", fmt.Errorf("container exited with code %d", code))
	}

	pdfPath, err := FindDocument(scratch)
	if err != nil {
		return lookup.Result{}, err
	}
	data, err := os.ReadFile(pdfPath) // #nosec G304 -- path found inside our own scratch dir.
	if err != nil {
		return lookup.Result{}, lookup.NewError(lookup.KindProviderError, "read document", err)
	}
	hash, err := s.artifacts.Put(ctx, data)
	if err != nil {
		return lookup.Result{}, fmt.Errorf("commit document: %w", err)
	}
	sink.Log(lookup.SeveritySuccess, "PDF gespeichert: "+hash)

	summary, err := readSummary(scratch)
	if err != nil {
		return lookup.Result{}, err
	}
	return lookup.Result{
		Summary:       summary,
		DocumentHash:  hash,
		LiveAvailable: true,
	}, nil
}

// run starts the container and returns its exit code. Errors are already classified.
func (s *Strategy) run(ctx context.Context, scratch, container, name string, sink lookup.Sink) (int, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--name", container,
		"-v", scratch + ":" + containerOutDir,
		s.cfg.Image,
		"--company", name,
		"--output", containerOutDir,
	}
	cmd := exec.CommandContext(runCtx, s.cfg.Binary, args...) // #nosec G204 -- argv only, no shell.
	// Killing the CLI leaves the container running, so stop it by name first.
	cmd.Cancel = func() error {
		s.killContainer(container)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 2 * time.Second
	stdout := newLineWriter(lookup.SeverityInfo, sink)
	stderr := newLineWriter(lookup.SeverityError, sink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, lookup.NewError(lookup.KindDockerMissing, "start container", err)
	}
	s.logger.Debug("container started",
		zap.String("binary", s.cfg.Binary),
		zap.String("image", s.cfg.Image),
		zap.Int("pid", cmd.Process.Pid),
	)

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	s.logger.Debug("container finished", zap.Duration("elapsed", time.Since(start)), zap.Error(waitErr))

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return 0, lookup.NewError(lookup.KindTimeout, "run container", fmt.Errorf("no result within %s", s.cfg.Timeout))
	}
	if ctx.Err() != nil {
		return 0, fmt.Errorf("run container: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return 0, lookup.NewError(lookup.KindProviderError, "wait container", waitErr)
	}
	return 0, nil
}

func (s *Strategy) killContainer(container string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, s.cfg.Binary, "kill", container).CombinedOutput() // #nosec G204 -- argv only, no shell.
	if err != nil {
		s.logger.Warn("kill container",
			zap.String("container", container),
			zap.ByteString("output", bytes.TrimSpace(out)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("container killed", zap.String("container", container))
}

// containerName derives a docker container name from a job id.
func containerName(jobID string) string {
	var b strings.Builder
	b.WriteString("hr-abruf-")
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// lineWriter turns process output into protocol entries, one per non-empty line.
type lineWriter struct {
	mu       sync.Mutex
	severity lookup.Severity
	sink     lookup.Sink
	buf      []byte
}

func newLineWriter(severity lookup.Severity, sink lookup.Sink) *lineWriter {
	return &lineWriter{severity: severity, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > MaxChunkLen*4 {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing output without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	chunk := strings.TrimSpace(string(line))
	if chunk == "" {
		return
	}
	w.sink.Log(w.severity, truncate(chunk, MaxChunkLen))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// SanitizeCompanyName trims the name, drops control and shell meta characters,
// collapses whitespace and caps the result at MaxCompanyNameRunes.
func SanitizeCompanyName(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsControl(r) || strings.ContainsRune("`$;&|<>\\\"'*?!{}[]()#~", r):
			continue
		case unicode.IsSpace(r):
			if lastSpace {
				continue
			}
			lastSpace = true
			b.WriteRune(' ')
		default:
			lastSpace = false
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(truncate(strings.TrimSpace(b.String()), MaxCompanyNameRunes))
}

// FindDocument returns the first *.pdf under root in lexical walk order,
// looking at most two levels deep. A missing document is PARSE_CHANGED.
func FindDocument(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		depth := 0
		if rel != "." {
			depth = len(strings.Split(rel, string(filepath.Separator)))
		}
		if d.IsDir() {
			if depth >= maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(p), ".pdf") {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", lookup.NewError(lookup.KindProviderError, "scan output dir", err)
	}
	if found == "" {
		return "", lookup.NewError(lookup.KindParseChanged, "scan output dir", errors.New("container produced no PDF"))
	}
	return found, nil
}

func readSummary(root string) (lookup.Summary, error) {
	data, err := os.ReadFile(filepath.Join(root, SummaryFile)) // #nosec G304 -- fixed name inside scratch dir.
	if errors.Is(err, os.ErrNotExist) {
		return lookup.Summary{}, nil
	}
	if err != nil {
		return lookup.Summary{}, lookup.NewError(lookup.KindProviderError, "read summary", err)
	}
	var summary lookup.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return lookup.Summary{}, lookup.NewError(lookup.KindParseChanged, "decode summary", err)
	}
	return summary, nil
}
