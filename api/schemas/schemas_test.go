package schemas_test

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

type fakePage string

func (p fakePage) ID() string { return string(p) }

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   schemas.TaskStatus
		terminal bool
	}{
		{schemas.StatusPending, false},
		{schemas.StatusOpening, false},
		{schemas.StatusAutomating, false},
		{schemas.StatusSuccess, true},
		{schemas.StatusFailed, true},
		{schemas.StatusManual, true},
		{schemas.TaskStatus("unknown"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestRegistrationTask_Lifecycle(t *testing.T) {
	task := schemas.NewTask(schemas.Event{Title: "Go Meetup", URL: "https://events.example.com/go"})
	assert.Equal(t, schemas.StatusPending, task.Status)
	assert.Nil(t, task.ResolvedAt)

	task.SetPage(fakePage("target-1"))
	assert.Equal(t, "target-1", task.PageID)
	task.SetPage(nil)
	assert.Empty(t, task.PageID)
	assert.Nil(t, task.Page)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	task.Resolve(schemas.StatusManual, "captcha", at)
	assert.Equal(t, schemas.StatusManual, task.Status)
	require.NotNil(t, task.ResolvedAt)
	assert.Equal(t, time.UTC, task.ResolvedAt.Location())
	assert.True(t, task.ResolvedAt.Equal(at))
}

func TestRegistrationTask_CloneIsDeep(t *testing.T) {
	assert.Nil(t, (*schemas.RegistrationTask)(nil).Clone())

	attempted := time.Now()
	orig := schemas.NewTask(schemas.Event{URL: "https://events.example.com/a"})
	orig.AttemptedAt = &attempted
	orig.Resolve(schemas.StatusSuccess, "ok", attempted)

	c := orig.Clone()
	*c.AttemptedAt = c.AttemptedAt.Add(time.Hour)
	*c.ResolvedAt = c.ResolvedAt.Add(time.Hour)
	c.Message = "changed"

	assert.True(t, orig.AttemptedAt.Equal(attempted))
	assert.True(t, orig.ResolvedAt.Equal(attempted))
	assert.Equal(t, "ok", orig.Message)
}

func TestStats_Consistent(t *testing.T) {
	assert.True(t, schemas.Stats{}.Consistent())
	assert.True(t, schemas.Stats{Total: 3, Processed: 2, Success: 1, Manual: 1, Pending: 1}.Consistent())
	assert.False(t, schemas.Stats{Total: 3, Processed: 2, Pending: 2}.Consistent())
	assert.False(t, schemas.Stats{Total: 2, Processed: 2, Success: 1}.Consistent())
}

func TestSettings_DelayBetween(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, schemas.Settings{DelayBetweenMs: 1500}.DelayBetween())
	assert.Zero(t, schemas.Settings{DelayBetweenMs: -20}.DelayBetween())
}

func TestPersistedState_LivePageIsNotSerialized(t *testing.T) {
	task := schemas.NewTask(schemas.Event{URL: "https://events.example.com/a"})
	task.SetPage(fakePage("target-9"))
	ps := schemas.PersistedState{Queue: []*schemas.RegistrationTask{task}}

	js, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(ps)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"pageId":"target-9"`)
	assert.Contains(t, string(js), `"targetSurfaceId":null`)
	assert.NotContains(t, string(js), `"Page"`)

	ys, err := yaml.Marshal(ps)
	require.NoError(t, err)
	var back schemas.PersistedState
	require.NoError(t, yaml.Unmarshal(ys, &back))
	require.Len(t, back.Queue, 1)
	assert.Equal(t, "target-9", back.Queue[0].PageID)
	assert.Nil(t, back.Queue[0].Page)
}

func TestReportProgress(t *testing.T) {
	task := schemas.NewTask(schemas.Event{URL: "https://events.example.com/a"})
	schemas.ReportProgress(context.Background(), task)

	var got *schemas.RegistrationTask
	ctx := schemas.WithProgress(context.Background(), func(p *schemas.RegistrationTask) { got = p })
	task.Status = schemas.StatusOpening
	schemas.ReportProgress(ctx, task)

	require.NotNil(t, got)
	assert.Equal(t, schemas.StatusOpening, got.Status)
	assert.NotSame(t, task, got)
}
