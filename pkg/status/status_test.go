package status

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_Counts(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(true)
	r.Start(ctx, 5)

	failedID := uuid.New()
	r.Committed(ctx, uuid.New())
	r.Committed(ctx, uuid.New())
	r.Skipped(ctx, uuid.New())
	r.Failed(ctx, failedID, assert.AnError)

	summary := r.Finish(ctx)
	assert.Equal(t, int64(5), summary.Total)
	assert.Equal(t, int64(2), summary.Committed)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, []uuid.UUID{failedID}, summary.FailedIDs)
	assert.True(t, summary.HasFailures())
}

func TestReporter_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(true)
	r.Start(ctx, 300)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Committed(ctx, uuid.New())
			r.Skipped(ctx, uuid.New())
			r.Failed(ctx, uuid.New(), assert.AnError)
		}()
	}
	wg.Wait()

	summary := r.Finish(ctx)
	assert.Equal(t, int64(100), summary.Committed)
	assert.Equal(t, int64(100), summary.Skipped)
	assert.Equal(t, int64(100), summary.Failed)
	assert.Len(t, summary.FailedIDs, 100)
}

func TestSummary_HasFailures(t *testing.T) {
	assert.False(t, Summary{Total: 3, Committed: 3}.HasFailures())
	assert.True(t, Summary{Total: 3, Committed: 2, Failed: 1}.HasFailures())
}

func TestSummary_Print(t *testing.T) {
	failedID := uuid.New()
	s := Summary{
		Total:     3,
		Committed: 1,
		Skipped:   1,
		Failed:    1,
		FailedIDs: []uuid.UUID{failedID},
	}

	var buf bytes.Buffer
	s.Print(&buf)

	out := buf.String()
	require.Contains(t, out, "processed 3 record(s)")
	assert.Contains(t, out, "committed: 1")
	assert.Contains(t, out, "skipped:   1")
	assert.Contains(t, out, "failed:    1")
	assert.Contains(t, out, failedID.String(), "failed ids must be listed for retries")
}
