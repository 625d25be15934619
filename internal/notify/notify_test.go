package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	got  []Notification
	gate chan struct{}
	err  error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestQueue_DeliversAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, 8)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Enqueue(Notification{ConflictID: int64(i)}))
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 5, rec.count())
	for _, n := range rec.got {
		assert.NotEmpty(t, n.ID, "ids are assigned on enqueue")
	}
	assert.False(t, q.Enqueue(Notification{}), "closed queue rejects")
	assert.ErrorIs(t, q.Close(context.Background()), ErrClosed)
}

func TestQueue_FullDrops(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	q := NewQueue(rec, 1)

	// The worker takes the first item and blocks on the gate; the second fills
	// the buffer; the third has nowhere to go.
	require.True(t, q.Enqueue(Notification{ConflictID: 1}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Enqueue(Notification{ConflictID: 2}))
	assert.False(t, q.Enqueue(Notification{ConflictID: 3}))

	close(rec.gate)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 2, rec.count())
}

func TestQueue_BackendErrorDoesNotStopWorker(t *testing.T) {
	rec := &recorder{err: errors.New("smtp down")}
	q := NewQueue(rec, 4)
	q.Enqueue(Notification{ConflictID: 1})
	q.Enqueue(Notification{ConflictID: 2})
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 2, rec.count())
}

type fakePusher struct {
	key    string
	values []interface{}
}

func (f *fakePusher) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key, f.values = key, values
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(1)
	return cmd
}

func TestRedisNotifier_PushesJSON(t *testing.T) {
	p := &fakePusher{}
	r := &RedisNotifier{rdb: p, key: DefaultRedisKey}

	created := time.Date(2024, time.March, 11, 9, 0, 0, 0, time.UTC)
	c := models.ConflictAlert{
		ID: 4, EmployeeID: 20,
		PeriodStart:  models.NewDate(2024, time.March, 4),
		PeriodEnd:    models.NewDate(2024, time.March, 10),
		SourceAHours: decimal.NewFromInt(50), SourceBHours: decimal.NewFromInt(40), Discrepancy: decimal.NewFromInt(10),
		CreatedAt: created,
	}
	n := Escalated(c, []string{models.RoleCEO, models.RoleCFO}, created.Add(8*24*time.Hour))
	n.ID = "abc"
	require.NoError(t, r.Notify(context.Background(), n))

	assert.Equal(t, DefaultRedisKey, p.key)
	require.Len(t, p.values, 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(p.values[0].([]byte), &decoded))
	assert.Equal(t, "conflict_escalated", decoded["kind"])
	assert.Equal(t, float64(8), decoded["days_open"])
	assert.Equal(t, "2024-03-04", decoded["period_start"])
	assert.Equal(t, []any{"ceo", "cfo"}, decoded["recipient_roles"])
}
