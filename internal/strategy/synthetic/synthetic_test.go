package synthetic

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dougmens/handelsregister-abruf/internal/artifact"
	"github.com/dougmens/handelsregister-abruf/internal/hash/sha256"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/storage/memory"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []int
	entries  []lookup.ProtocolEntry
}

func (r *recordingSink) Progress(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *recordingSink) Log(sev lookup.Severity, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, lookup.ProtocolEntry{Severity: sev, Message: msg})
}

func newStore() *artifact.Store {
	return artifact.New(memory.NewBlobStore(), sha256.New(), "", nil)
}

func TestExecuteUsesPlaceholderWithoutSample(t *testing.T) {
	t.Parallel()

	store := newStore()
	strat, err := New(Config{StageDelay: -1, SamplePath: filepath.Join(t.TempDir(), "missing.pdf")}, store, nil)
	require.NoError(t, err)
	require.Equal(t, lookup.ModeSynthetic, strat.Mode())

	sink := &recordingSink{}
	res, err := strat.Execute(context.Background(), lookup.Task{JobID: "job_1", CompanyName: "TechFlow GmbH"}, sink)
	require.NoError(t, err)

	want, err := sha256.New().Hash(PlaceholderPDF)
	require.NoError(t, err)
	require.Equal(t, want, res.DocumentHash)
	require.False(t, res.LiveAvailable)
	require.Equal(t, FixedSummary(), res.Summary)
	require.Equal(t, []int{40, 80}, sink.progress)
	require.Len(t, sink.entries, 3)
	require.Equal(t, lookup.SeveritySuccess, sink.entries[2].Severity)

	data, err := store.Get(context.Background(), res.DocumentHash)
	require.NoError(t, err)
	require.Equal(t, PlaceholderPDF, data)
}

func TestExecuteReadsSample(t *testing.T) {
	t.Parallel()

	sample := filepath.Join(t.TempDir(), "sample.pdf")
	require.NoError(t, os.WriteFile(sample, []byte("%PDF-1.7 sample"), 0o600))

	strat, err := New(Config{StageDelay: -1, SamplePath: sample}, newStore(), nil)
	require.NoError(t, err)

	res, err := strat.Execute(context.Background(), lookup.Task{JobID: "job_2"}, &recordingSink{})
	require.NoError(t, err)
	want, err := sha256.New().Hash([]byte("%PDF-1.7 sample"))
	require.NoError(t, err)
	require.Equal(t, want, res.DocumentHash)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	t.Parallel()

	strat, err := New(Config{StageDelay: time.Hour}, newStore(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = strat.Execute(ctx, lookup.Task{JobID: "job_3"}, &recordingSink{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresArtifacts(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}
