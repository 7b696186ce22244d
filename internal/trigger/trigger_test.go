package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/runengine"
)

func stubCommitTrigger(t *testing.T, globs []string) (*CommitTrigger, *string, *[]string) {
	t.Helper()
	head := "aaa"
	changed := []string{}
	ct := NewCommitTrigger(
		gitrepo.Repo{URL: "https://git.example.com/acme/app.git", Branch: "main"},
		globs,
		[]runengine.PipelineReq{{PipelinePath: "ci/build.yaml"}},
		t.TempDir(),
	)
	ct.remoteHead = func(context.Context, string, string) (string, error) { return head, nil }
	ct.changedFiles = func(context.Context, string, string, string) ([]string, error) { return changed, nil }
	ct.ensureClone = func(context.Context, gitrepo.Repo) error { return nil }
	return ct, &head, &changed
}

func TestCommitTriggerFiresOncePerHeadMove(t *testing.T) {
	ct, head, _ := stubCommitTrigger(t, nil)
	ctx := context.Background()

	// First check records the current head without firing.
	fired, err := ct.Check(ctx)
	assert.NoError(t, err)
	assert.False(t, fired)

	// Unchanged head stays quiet.
	fired, _ = ct.Check(ctx)
	assert.False(t, fired)

	*head = "bbb"
	fired, _ = ct.Check(ctx)
	assert.True(t, fired)

	// Exactly once: the new head is now the current one.
	fired, _ = ct.Check(ctx)
	assert.False(t, fired)
}

func TestCommitTriggerGlobFilter(t *testing.T) {
	ct, head, changed := stubCommitTrigger(t, []string{"src/**/*.go"})
	ctx := context.Background()

	ct.Check(ctx) // record initial head

	*head = "bbb"
	*changed = []string{"README.md"}
	fired, err := ct.Check(ctx)
	assert.NoError(t, err)
	assert.False(t, fired)

	// The non-matching commit advanced curCommit, so only the next
	// move is examined.
	*head = "ccc"
	*changed = []string{"src/app/main.go"}
	fired, _ = ct.Check(ctx)
	assert.True(t, fired)
}

func TestScheduleTriggerMinutePeriod(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st, err := newScheduleTrigger("15 min", "", nil, clock)
	assert.NoError(t, err)

	fired, _ := st.Check(context.Background())
	assert.False(t, fired)

	now = now.Add(15 * time.Minute)
	fired, _ = st.Check(context.Background())
	assert.True(t, fired)

	// nextRun advanced one full period.
	fired, _ = st.Check(context.Background())
	assert.False(t, fired)
	now = now.Add(15 * time.Minute)
	fired, _ = st.Check(context.Background())
	assert.True(t, fired)
}

func TestScheduleTriggerDailyWhen(t *testing.T) {
	// Tuesday 9:30am.
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st, err := newScheduleTrigger("1 day", "2:15pm", nil, clock)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 15, 0, 0, time.UTC), st.NextRun())

	// A time-of-day already past today lands tomorrow.
	st, err = newScheduleTrigger("1 day", "8am", nil, clock)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), st.NextRun())
}

func TestScheduleTriggerWeeklyWhen(t *testing.T) {
	// Tuesday.
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st, err := newScheduleTrigger("1 week", "Fri 6pm", nil, clock)
	assert.NoError(t, err)
	next := st.NextRun()
	assert.Equal(t, time.Friday, next.Weekday())
	assert.Equal(t, 18, next.Hour())
	assert.Equal(t, time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC), next)

	// Same weekday, earlier time-of-day: next week.
	st, err = newScheduleTrigger("1 week", "Tuesday 8am", nil, clock)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 17, 8, 0, 0, 0, time.UTC), st.NextRun())
}

func TestScheduleTriggerTwelveAmPm(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	// 12am is hour 0 (tomorrow, since midnight already passed).
	st, err := newScheduleTrigger("1 day", "12am", nil, clock)
	assert.NoError(t, err)
	assert.Equal(t, 0, st.NextRun().Hour())
	assert.Equal(t, 11, st.NextRun().Day())

	// 12pm is noon today.
	st, err = newScheduleTrigger("1 day", "12pm", nil, clock)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), st.NextRun())
}

func TestScheduleTriggerRejectsMalformedConfig(t *testing.T) {
	cases := []struct{ period, when string }{
		{"fortnightly", ""},
		{"0 min", ""},
		{"3 months", ""},
		{"1 day", "25pm"},
		{"1 day", "noon"},
		{"1 week", "6pm"},         // week needs a day of week
		{"1 day", "Fri 6pm"},      // day must not carry one
		{"1 week", "Blursday 6pm"},
	}
	for _, c := range cases {
		_, err := newScheduleTrigger(c.period, c.when, nil, time.Now)
		assert.Error(t, err, "period=%q when=%q", c.period, c.when)
	}
}

func TestEngineSubmitsFiredRequests(t *testing.T) {
	var got []runengine.PipelineReq
	e := NewEngine(func(req runengine.PipelineReq) { got = append(got, req) })

	ct, head, _ := stubCommitTrigger(t, nil)
	e.Lock()
	e.SetTriggersLocked([]Trigger{ct})
	e.Unlock()

	e.checkAll(context.Background()) // records head
	*head = "bbb"
	e.checkAll(context.Background())

	if assert.Len(t, got, 1) {
		assert.Equal(t, "ci/build.yaml", got[0].PipelinePath)
	}
}
