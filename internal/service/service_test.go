package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/storetest"
	"github.com/ChuLiYu/beaver-relay/internal/submitter"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var opennlp = types.Registration{
	Name: "opennlp", Version: "1.9", Channel: "svc_opennlp", Framework: "opennlp", Capabilities: []string{"fit", "predict"},
}

func testConfig() Config {
	return Config{
		Worker:             "w1",
		RegisterInterval:   50 * time.Millisecond,
		ChannelInterval:    50 * time.Millisecond,
		ProcessingLockTTL:  200 * time.Millisecond,
		ProcessingQueueTTL: time.Hour,
		ClaimLockTTL:       time.Second,
		ResponseTTL:        time.Hour,
		JobTimeout:         5 * time.Second,
		KillGrace:          time.Second,
	}
}

func predictOffering(h Handler) Offering {
	return Offering{Registration: opennlp, Handlers: map[types.JobKind]Handler{types.KindPredict: h}}
}

var labels = HandlerFunc(func(_ context.Context, job *types.Job) (map[string]any, error) {
	return map[string]any{"labels": []any{"PER"}, "text": job.Data["text"]}, nil
})

func newService(t *testing.T, st *store.Store, offerings ...Offering) *Service {
	t.Helper()
	svc, err := New(st, testConfig(), offerings)
	require.NoError(t, err)
	return svc
}

func encodeJob(t *testing.T, st *store.Store, id string, data map[string]any) []byte {
	t.Helper()
	raw, err := types.NewJob(id, "svc_opennlp", st.Keys().RequestQueue("opennlp"), data).Encode()
	require.NoError(t, err)
	return raw
}

func TestNew(t *testing.T) {
	st, _ := storetest.New(t)

	_, err := New(st, testConfig(), nil)
	assert.ErrorIs(t, err, ErrNoServices)

	reserved := opennlp
	reserved.Channel = types.RegistrationChannel
	_, err = New(st, testConfig(), []Offering{{Registration: reserved}})
	assert.Error(t, err)

	_, err = New(st, testConfig(), []Offering{predictOffering(labels), predictOffering(labels)})
	assert.ErrorContains(t, err, "offered twice")
}

func TestOfferings(t *testing.T) {
	offerings := Offerings([]config.ServiceConfig{{
		Name: "opennlp", Version: "1.9", Channel: "svc_opennlp", Framework: "opennlp",
		Capabilities: []string{"predict"},
		Commands:     map[string][]string{"predict": {"bin/predict", "--model", "ner"}},
	}})

	require.Len(t, offerings, 1)
	assert.Equal(t, "svc_opennlp", offerings[0].Registration.Channel)
	assert.Equal(t, []string{"predict"}, offerings[0].Registration.Capabilities)
	assert.Equal(t, CommandHandler{Command: []string{"bin/predict", "--model", "ner"}},
		offerings[0].Handlers[types.KindPredict])

	cfg := config.Default()
	cfg.Worker.Name = "w7"
	svcCfg := NewConfig(cfg)
	assert.Equal(t, "w7", svcCfg.Worker)
	assert.Equal(t, cfg.Dispatch.KillGrace, svcCfg.KillGrace)
	assert.Equal(t, cfg.Queue.TTL, svcCfg.ResponseTTL)
}

// A request queued by the submitter is claimed exactly once and arrives with
// its routing fields attached.
func TestPreProcess_ClaimsSubmittedRequest(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	reg := registry.New(st, time.Minute)
	require.NoError(t, reg.Register(ctx, opennlp))
	sender := submitter.New(st, reg, submitter.Config{QueueTTL: time.Hour, ResultTTL: time.Hour, JobTTL: time.Minute, ClaimLockTTL: time.Second})
	svc := newService(t, st, predictOffering(labels))

	sub, err := st.Subscribe(ctx, "svc_opennlp")
	require.NoError(t, err)
	defer sub.Close()
	storetest.WaitSubscribed(t, st, "svc_opennlp", 1)

	_, err = sender.SendServiceRequest(ctx, "opennlp", map[string]any{"job_type": "predict", "text": "a"}, "other")
	require.NoError(t, err)
	env, err := sender.SendServiceRequest(ctx, "opennlp", map[string]any{"job_type": "predict", "text": "b"}, "")
	require.NoError(t, err)

	var payload string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			payload = msg.Payload
		case <-time.After(5 * time.Second):
			t.Fatal("notification not received")
		}
	}

	job, err := svc.PreProcess(ctx, "svc_opennlp", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, env.JobID, job.ID)
	assert.Equal(t, types.KindPredict, job.Kind)
	assert.Equal(t, map[string]any{
		"job_type":    "predict",
		"text":        "b",
		"job_id":      env.JobID,
		"job_channel": "svc_opennlp",
		"job_queue":   "test:queue:opennlp",
	}, job.Data)

	ids, err := sender.RunningJobs(ctx, "opennlp")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids)

	_, err = svc.PreProcess(ctx, "svc_opennlp", []byte(payload))
	assert.ErrorIs(t, err, store.ErrNotQueued)
}

func TestPreProcess_Rejects(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	svc := newService(t, st, predictOffering(labels))
	queue := st.Keys().RequestQueue("opennlp")

	_, err := svc.PreProcess(ctx, "svc_opennlp", []byte(`{"job_id":"j","job_type":"response","job_queue":"`+queue+`"}`))
	assert.ErrorIs(t, err, types.ErrUnexpectedType)

	_, err = svc.PreProcess(ctx, "svc_opennlp", []byte(`not json`))
	assert.ErrorIs(t, err, types.ErrMalformed)

	_, err = svc.PreProcess(ctx, "svc_spacy", []byte(`{"job_id":"j","job_type":"request","job_queue":"test:queue:spacy"}`))
	assert.ErrorIs(t, err, ErrNotOffered)

	require.NoError(t, st.Push(ctx, queue, []byte(`{"job_id":"nodata","job_type":"request","job_queue":"`+queue+`"}`), time.Hour))
	_, err = svc.PreProcess(ctx, "svc_opennlp", []byte(`{"job_id":"nodata","job_type":"request","job_queue":"`+queue+`"}`))
	assert.ErrorIs(t, err, types.ErrMalformed)
}

// While another process holds the processing lock the job goes back to the
// processing queue unchanged.
func TestExecute_RequeuesOnLockContention(t *testing.T) {
	ctx := context.Background()
	st, srv := storetest.New(t)
	other := storetest.Connect(t, srv)

	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, *types.Job) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	svc, err := New(st, testConfig(), []Offering{predictOffering(handler)}, WithMetrics(collector))
	require.NoError(t, err)

	held, err := other.Obtain(ctx, st.Keys().ProcessingLock(), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	raw := encodeJob(t, st, "j1", map[string]any{"job_type": "predict", "text": "x"})

	start := time.Now()
	require.NoError(t, svc.Execute(ctx, raw))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Zero(t, calls.Load())

	entries, err := st.Entries(ctx, st.Keys().ProcessingQueue("w1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, raw, entries[0])
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP relay_jobs_requeued_total Jobs pushed back to the processing queue on lock contention
# TYPE relay_jobs_requeued_total counter
relay_jobs_requeued_total 1
`), "relay_jobs_requeued_total"))
}

// A job timeout shorter than the lock wait must not lose the job: the wait is
// not part of the job's run time.
func TestExecute_RequeuesWhenLockWaitOutlastsJobTimeout(t *testing.T) {
	ctx := context.Background()
	st, srv := storetest.New(t)
	other := storetest.Connect(t, srv)

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.ProcessingLockTTL = 400 * time.Millisecond
	svc, err := New(st, cfg, []Offering{predictOffering(labels)})
	require.NoError(t, err)

	held, err := other.Obtain(ctx, st.Keys().ProcessingLock(), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	raw := encodeJob(t, st, "j1", map[string]any{"job_type": "predict", "text": "x"})
	require.NoError(t, svc.Execute(ctx, raw))

	entries, err := st.Entries(ctx, st.Keys().ProcessingQueue("w1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, raw, entries[0])
}

// A caller giving up during the lock wait still gets the job requeued.
func TestExecute_RequeuesWhenCancelledWaitingForLock(t *testing.T) {
	st, srv := storetest.New(t)
	other := storetest.Connect(t, srv)
	svc := newService(t, st, predictOffering(labels))

	held, err := other.Obtain(context.Background(), st.Keys().ProcessingLock(), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	raw := encodeJob(t, st, "j1", map[string]any{"job_type": "predict"})
	require.NoError(t, svc.Execute(ctx, raw))

	entries, err := st.Entries(context.Background(), st.Keys().ProcessingQueue("w1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, raw, entries[0])
}

func TestExecute_TimesOut(t *testing.T) {
	ctx := context.Background()
	st, srv := storetest.New(t)

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	slow := HandlerFunc(func(ctx context.Context, _ *types.Job) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc, err := New(st, cfg, []Offering{predictOffering(slow)})
	require.NoError(t, err)

	err = svc.Execute(ctx, encodeJob(t, st, "j1", map[string]any{"job_type": "predict"}))
	assert.ErrorIs(t, err, worker.ErrTimeout)
	assert.NotErrorIs(t, err, worker.ErrAbandoned)

	n, err := st.Len(ctx, st.Keys().ResponseQueue("opennlp"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, srv.Exists(st.Keys().ProcessingLock()))
}

func TestExecute_Responds(t *testing.T) {
	ctx := context.Background()
	st, srv := storetest.New(t)
	svc := newService(t, st, predictOffering(labels))

	sub, err := st.Subscribe(ctx, "svc_opennlp")
	require.NoError(t, err)
	defer sub.Close()
	storetest.WaitSubscribed(t, st, "svc_opennlp", 1)

	require.NoError(t, svc.Execute(ctx, encodeJob(t, st, "j1", map[string]any{"job_type": "predict", "text": "x"})))

	responses := st.Keys().ResponseQueue("opennlp")
	entries, err := st.Entries(ctx, responses)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"job_id":"j1","job_type":"response","job_queue":"test:responses:opennlp","job_data":{"labels":["PER"],"text":"x"}}`,
		string(entries[0]))
	assert.Equal(t, time.Hour, srv.TTL(responses))

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"job_id":"j1","job_type":"response","job_queue":"test:responses:opennlp"}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("response not announced")
	}

	// the processing lock is released after the job
	assert.False(t, srv.Exists(st.Keys().ProcessingLock()))
}

func TestExecute_NoResponse(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	failing := HandlerFunc(func(context.Context, *types.Job) (map[string]any, error) {
		return nil, errors.New("model missing")
	})
	svc := newService(t, st, Offering{
		Registration: opennlp,
		Handlers:     map[types.JobKind]Handler{types.KindFit: failing},
	})

	// handler error
	require.NoError(t, svc.Execute(ctx, encodeJob(t, st, "j1", map[string]any{"job_type": "fit"})))
	// unknown kind
	require.NoError(t, svc.Execute(ctx, encodeJob(t, st, "j2", map[string]any{"job_type": "summarize"})))
	// not a job
	require.NoError(t, svc.Execute(ctx, []byte(`[1,2]`)))

	n, err := st.Len(ctx, st.Keys().ResponseQueue("opennlp"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCommandHandler(t *testing.T) {
	ctx := context.Background()
	job := types.NewJob("j1", "svc_opennlp", "test:queue:opennlp", map[string]any{"job_type": "predict", "text": "x"})

	t.Run("echoes stdin", func(t *testing.T) {
		out, err := CommandHandler{Command: []string{"sh", "-c", "cat"}}.Handle(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "x", out["text"])
		assert.Equal(t, "j1", out["job_id"])
	})

	t.Run("environment", func(t *testing.T) {
		h := CommandHandler{Command: []string{"sh", "-c", `printf '{"model":"%s"}' "$MODEL"`}, Env: []string{"MODEL=ner"}}
		out, err := h.Handle(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"model": "ner"}, out)
	})

	t.Run("empty output", func(t *testing.T) {
		out, err := CommandHandler{Command: []string{"true"}}.Handle(ctx, job)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := CommandHandler{Command: []string{"echo", "42"}}.Handle(ctx, job)
		assert.ErrorIs(t, err, ErrBadOutput)
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		_, err := CommandHandler{Command: []string{"sh", "-c", "echo boom >&2; exit 1"}}.Handle(ctx, job)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("killed on timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := CommandHandler{Command: []string{"sleep", "10"}}.Handle(ctx, job)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := CommandHandler{}.Handle(ctx, job)
		assert.Error(t, err)
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	st, srv := storetest.New(t)
	reg := registry.New(st, time.Minute)
	require.NoError(t, reg.Register(ctx, opennlp))
	sender := submitter.New(st, reg, submitter.Config{QueueTTL: time.Hour, ResultTTL: time.Hour, JobTTL: time.Minute, ClaimLockTTL: time.Second})

	announcements, err := st.Subscribe(ctx, types.RegistrationChannel)
	require.NoError(t, err)
	defer announcements.Close()
	storetest.WaitSubscribed(t, st, types.RegistrationChannel, 1)

	svc := newService(t, storetest.Connect(t, srv), predictOffering(labels))
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case msg := <-announcements.Messages():
		a, err := types.DecodeAnnouncement([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, types.NewAnnouncement(opennlp), a)
	case <-time.After(5 * time.Second):
		t.Fatal("service not announced")
	}

	storetest.WaitSubscribed(t, st, "svc_opennlp", 1)
	assert.Equal(t, []string{"svc_opennlp"}, svc.Channels())

	env, err := sender.SendServiceRequest(ctx, "opennlp", map[string]any{"job_type": "predict", "text": "x"}, "")
	require.NoError(t, err)

	responses := st.Keys().ResponseQueue("opennlp")
	require.Eventually(t, func() bool {
		n, err := st.Len(ctx, responses)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := st.Entries(ctx, responses)
	require.NoError(t, err)
	assert.Equal(t, env.JobID, types.PeekJobID(entries[0]))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.NoError(t, <-errCh)
}
