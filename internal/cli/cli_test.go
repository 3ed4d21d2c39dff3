package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/controller"
	"github.com/ChuLiYu/beaver-relay/internal/server"
	"github.com/ChuLiYu/beaver-relay/internal/store/storetest"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "relay", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"coordinator", "worker", "submit", "services", "jobs", "status"} {
		assert.True(t, names[want], "missing command %q", want)
	}

	for _, flag := range []string{"config", "store-addr", "gateway"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag --%s", flag)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestLoadConfig(t *testing.T) {
	g := &globals{}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *cfg)
	assert.Equal(t, "localhost:50051", g.gatewayAddr(cfg))

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  prefix: beaver\nserver:\n  port: 7000\n"), 0o644))

	g = &globals{configFile: path, storeAddr: "redis:6380"}
	cfg, err = g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.Store.Addr)
	assert.Equal(t, "beaver", cfg.Store.Prefix)
	assert.Equal(t, "localhost:7000", g.gatewayAddr(cfg))

	g.gateway = "relay:1234"
	assert.Equal(t, "relay:1234", g.gatewayAddr(cfg))

	g = &globals{configFile: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = g.loadConfig()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"job_id":"j1"`)

	buf.Reset()
	newLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}

// startGateway serves a coordinator's gateway on a local port.
func startGateway(t *testing.T) (string, *controller.Controller) {
	t.Helper()
	st, _ := storetest.New(t)
	cfg := config.Default()
	cfg.Store.Prefix = storetest.Prefix
	ctrl := controller.New(st, cfg)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := server.NewServer(ctrl, nil).NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	ctx := context.Background()
	require.NoError(t, ctrl.Registry().Register(ctx, types.Registration{
		Name: "opennlp", Version: "1.9", Channel: "svc_opennlp", Framework: "opennlp", Capabilities: []string{"fit", "predict"},
	}))
	sub, err := st.Subscribe(ctx, "svc_opennlp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	storetest.WaitSubscribed(t, st, "svc_opennlp", 1)

	return lis.Addr().String(), ctrl
}

func TestClientCommands(t *testing.T) {
	ctx := context.Background()
	addr, _ := startGateway(t)

	out, err := execute(t, ctx, "submit", "--gateway", addr, "-s", "opennlp", "-d", `{"job_type":"predict","text":"x"}`, "--job-id", "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1\n", out)

	_, err = execute(t, ctx, "submit", "--gateway", addr, "-s", "opennlp", "-d", `[1]`)
	assert.ErrorContains(t, err, "JSON object")

	out, err = execute(t, ctx, "jobs", "--gateway", addr, "-s", "opennlp")
	require.NoError(t, err)
	assert.Equal(t, "j1\n", out)

	out, err = execute(t, ctx, "services", "--gateway", addr)
	require.NoError(t, err)
	assert.Equal(t, "opennlp\n", out)

	out, err = execute(t, ctx, "services", "--gateway", addr, "--details")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "svc_opennlp")
	assert.Contains(t, out, "fit,predict")

	out, err = execute(t, ctx, "status", "--gateway", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "(defaults)")
	assert.Contains(t, out, "Live Channels:     svc_opennlp")
	assert.Contains(t, out, "Jobs:              1 pending, 0 completed, 0 dead")
}

func TestSubmit_UnknownService(t *testing.T) {
	addr, _ := startGateway(t)

	_, err := execute(t, context.Background(), "submit", "--gateway", addr, "-s", "spacy")
	assert.ErrorContains(t, err, "not registered")
}

func TestCoordinator_StopsWithContext(t *testing.T) {
	_, srv := storetest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := execute(t, ctx, "coordinator", "--store-addr", srv.Addr(), "--port", "0")
	assert.NoError(t, err)
}
