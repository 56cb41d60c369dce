package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/grantflow/harvest-cli/internal/model"
)

func completedRun(id string, newN, upd, skip int, totalMs int64) model.Run {
	return model.Run{
		ID:       id,
		SourceID: "src-1",
		Status:   model.RunStatusCompleted,
		Result: &model.RunResult{
			OpportunitiesNew:  newN,
			OpportunitiesUpd:  upd,
			OpportunitiesSkip: skip,
		},
		StartedAt:   time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		TotalTimeMs: totalMs,
	}
}

func failedRun(id string, stage model.Stage, category string) model.Run {
	return model.Run{
		ID:       id,
		SourceID: "src-1",
		Status:   model.RunStatusFailed,
		Error: &model.RunError{
			Stage:    stage,
			Code:     "API_ERROR",
			Category: category,
			Message:  "boom",
		},
		StartedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.AvgDurSecs)
}

func TestComputeRunStats_Breakdown(t *testing.T) {
	runs := []model.Run{
		completedRun("run-1", 10, 2, 5, 60_000),
		completedRun("run-2", 0, 0, 20, 30_000),
		failedRun("run-3", model.StageSchema, "transient"),
		failedRun("run-4", model.StageExtraction, "permanent"),
		{ID: "run-5", Status: model.RunStatusRunning},
	}

	s := computeRunStats(runs)

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.Transient)
	assert.Equal(t, 1, s.Permanent)
	assert.Equal(t, 10, s.New)
	assert.Equal(t, 2, s.Updated)
	assert.Equal(t, 25, s.Skipped)
	assert.Equal(t, 1, s.FailByStage[model.StageSchema])
	assert.Equal(t, 1, s.FailByStage[model.StageExtraction])
	assert.InDelta(t, 45.0, s.AvgDurSecs, 0.001)
}

func TestComputeRunStats_FailedWithoutError(t *testing.T) {
	runs := []model.Run{
		{ID: "run-1", Status: model.RunStatusFailed},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 1, s.Failed)
	assert.Zero(t, s.Transient)
	assert.Zero(t, s.Permanent)
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.Run{
		completedRun("0198b2c0-aaaa-bbbb-cccc-ddddeeeeffff", 3, 1, 2, 90_000),
		failedRun("0198b2c0-1111-2222-3333-444455556666", model.StageStorage, "transient"),
	})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "0198b2c0")
	assert.NotContains(t, out, "aaaa-bbbb")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "1m30s")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{
		Total:       4,
		Completed:   2,
		Failed:      1,
		Running:     1,
		Transient:   1,
		New:         7,
		AvgDurSecs:  12.5,
		FailByStage: map[model.Stage]int{model.StageDedup: 1},
	})

	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "4")
	assert.Contains(t, out, "Failures in dedup:")
	assert.Contains(t, out, "12.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0198b2c0", truncateID("0198b2c0-aaaa-bbbb-cccc-ddddeeeeffff"))
	assert.Equal(t, "short", truncateID("short"))
}
