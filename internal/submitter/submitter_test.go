package submitter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/storetest"
	"github.com/ChuLiYu/beaver-relay/internal/tracker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{QueueTTL: time.Hour, ResultTTL: time.Hour, JobTTL: time.Minute, ClaimLockTTL: time.Second}
}

type fixture struct {
	st      *store.Store
	reg     *registry.Registry
	tracker *tracker.Tracker
	sub     *Submitter
}

func setup(t *testing.T) fixture {
	t.Helper()
	st, _ := storetest.New(t)
	reg := registry.New(st, time.Minute)
	require.NoError(t, reg.Register(context.Background(), types.Registration{
		Name: "opennlp", Version: "1", Channel: "svc_opennlp", Framework: "opennlp", Capabilities: []string{"fit"},
	}))
	tr := tracker.New()
	return fixture{
		st:      st,
		reg:     reg,
		tracker: tr,
		sub:     New(st, reg, testConfig(), WithTracker(tr), WithClock(clockwork.NewFakeClockAt(now))),
	}
}

// listen subscribes to the service channel, standing in for a worker.
func listen(t *testing.T, f fixture) *store.Subscription {
	t.Helper()
	sub, err := f.st.Subscribe(context.Background(), "svc_opennlp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	storetest.WaitSubscribed(t, f.st, "svc_opennlp", 1)
	return sub
}

func TestSendServiceRequest_RollbackWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	queue := f.st.Keys().RequestQueue("opennlp")

	require.NoError(t, f.st.Push(ctx, queue, []byte(`{"job_id":"older"}`), time.Hour))

	env, err := f.sub.SendServiceRequest(ctx, "opennlp", map[string]any{"type": "status"}, "")
	assert.ErrorIs(t, err, ErrNoSubscribers)
	assert.Nil(t, env)

	entries, err := f.st.Entries(ctx, queue)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"job_id":"older"}`, string(entries[0]))
	assert.Empty(t, f.tracker.Pending(""))
}

func TestSendServiceRequest_NotRegistered(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.sub.SendServiceRequest(ctx, "spacy", nil, "")
	assert.ErrorIs(t, err, ErrServiceNotRegistered)

	n, err := f.st.Len(ctx, f.st.Keys().RequestQueue("spacy"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendServiceRequest(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := listen(t, f)

	env, err := f.sub.SendServiceRequest(ctx, "opennlp", map[string]any{"type": "status"}, "")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Len(t, env.JobID, 36)
	assert.Equal(t, types.JobTypeRequest, env.JobType)
	assert.Equal(t, "test:queue:opennlp", env.JobQueue)

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"job_id":"`+env.JobID+`","job_type":"request","job_queue":"test:queue:opennlp"}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	entries, err := f.st.Entries(ctx, env.JobQueue)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"job_id":"`+env.JobID+`","job_type":"request","job_queue":"test:queue:opennlp","job_data":{"type":"status"}}`, string(entries[0]))

	entry, ok := f.tracker.Get(env.JobID)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusPending, entry.Status)
	assert.Equal(t, now.Add(time.Minute), entry.Deadline)
}

func TestSendServiceRequest_CallerJobID(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	listen(t, f)

	env, err := f.sub.SendServiceRequest(ctx, "opennlp", nil, "my-job")
	require.NoError(t, err)
	assert.Equal(t, "my-job", env.JobID)
	assert.Equal(t, map[string]any{}, env.JobData)

	ids, err := f.sub.RunningJobs(ctx, "opennlp")
	require.NoError(t, err)
	assert.Equal(t, []string{"my-job"}, ids)
}

func TestRegisteredService(t *testing.T) {
	f := setup(t)

	reg, err := f.sub.RegisteredService(context.Background(), "opennlp")
	require.NoError(t, err)
	assert.Equal(t, "svc_opennlp", reg.Channel)

	_, err = f.sub.RegisteredService(context.Background(), "nobody")
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
}

func pushResponse(t *testing.T, f fixture, jobID string, data map[string]any) types.Notification {
	t.Helper()
	env := types.Envelope{
		JobID:    jobID,
		JobType:  types.JobTypeResponse,
		JobQueue: f.st.Keys().ResponseQueue("opennlp"),
		JobData:  data,
	}
	raw, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, f.st.Push(context.Background(), env.JobQueue, raw, time.Hour))
	return env.Notification()
}

func TestHandleResponse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	listen(t, f)

	env, err := f.sub.SendServiceRequest(ctx, "opennlp", map[string]any{"job_type": "predict"}, "")
	require.NoError(t, err)

	reg, err := f.reg.Get(ctx, "opennlp")
	require.NoError(t, err)
	n := pushResponse(t, f, env.JobID, map[string]any{"labels": []any{"PER"}})

	require.NoError(t, f.sub.ResponseHandler().Handle(ctx, n, reg))
	// a second delivery finds nothing to claim
	require.NoError(t, f.sub.HandleResponse(ctx, n, reg))

	entry, _ := f.tracker.Get(env.JobID)
	assert.Equal(t, tracker.StatusCompleted, entry.Status)

	result, err := f.sub.JobResponse(ctx, "opennlp", env.JobID, 0)
	require.NoError(t, err)
	assert.Equal(t, env.JobID, result.JobID)
	assert.Equal(t, "opennlp", result.Service)
	assert.Equal(t, map[string]any{"labels": []any{"PER"}}, result.Data)
	assert.True(t, now.Equal(result.ReceivedAt))

	// results are delivered once
	_, err = f.sub.JobResponse(ctx, "opennlp", env.JobID, 0)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestSendAndGetResponse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := listen(t, f)

	reg, err := f.reg.Get(ctx, "opennlp")
	require.NoError(t, err)

	// a worker answering every request
	go func() {
		for msg := range sub.Messages() {
			req, err := types.DecodeNotification([]byte(msg.Payload), types.JobTypeRequest)
			if err != nil {
				continue
			}
			env := types.Envelope{
				JobID:    req.JobID,
				JobType:  types.JobTypeResponse,
				JobQueue: f.st.Keys().ResponseQueue("opennlp"),
				JobData:  map[string]any{"status": "ok"},
			}
			raw, _ := env.Encode()
			_ = f.st.Push(ctx, env.JobQueue, raw, time.Hour)
			_ = f.sub.HandleResponse(ctx, env.Notification(), reg)
		}
	}()

	result, err := f.sub.SendAndGetResponse(ctx, "opennlp", map[string]any{"type": "status"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, result.Data)
}

func TestJobHandle_WaitTimeout(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	listen(t, f)

	handle, err := f.sub.SendAndReturnJob(ctx, "opennlp", nil)
	require.NoError(t, err)
	assert.Equal(t, "opennlp", handle.Service)
	assert.NotEmpty(t, handle.JobID())

	_, err = handle.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, ErrNoResponse)
}
