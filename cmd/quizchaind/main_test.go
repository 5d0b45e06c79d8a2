package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"QuizChain/internal/api"
	"QuizChain/internal/auth"
	"QuizChain/internal/config"
	"QuizChain/internal/task"
	"QuizChain/sdk/go/quizchain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startAPI(t *testing.T, secret, operatorToken string) *httptest.Server {
	t.Helper()
	runs := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 2)
	server := api.NewServer(":0", runs, auth.NewService(auth.Config{SharedSecret: secret, OperatorToken: operatorToken}))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "solve", "trigger", "status", "cancel"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestTriggerStatusAndCancelCommands(t *testing.T) {
	srv := startAPI(t, "s3cret", "")
	t.Setenv("QUIZCHAIN_TEST_SECRET", "s3cret")

	out, err := execute(t, "trigger", "--server", srv.URL, "--secret-env", "QUIZCHAIN_TEST_SECRET",
		"--email", "student@example.com", "--url", "https://quiz.example/start")
	require.NoError(t, err)

	var resp quizchain.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, "processing", resp.Status)

	out, err = execute(t, "status", "--server", srv.URL, resp.RunID)
	require.NoError(t, err)
	var run quizchain.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "pending", run.Status)
	assert.Equal(t, "student@example.com", run.PrincipalID)

	out, err = execute(t, "cancel", "--server", srv.URL, resp.RunID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "canceled", run.Status)

	_, err = execute(t, "cancel", "--server", srv.URL, resp.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "无法取消")
}

func TestTriggerCommandErrors(t *testing.T) {
	srv := startAPI(t, "s3cret", "")

	t.Setenv("QUIZCHAIN_TEST_SECRET", "")
	_, err := execute(t, "trigger", "--server", srv.URL, "--secret-env", "QUIZCHAIN_TEST_SECRET",
		"--email", "a@example.com", "--url", "https://quiz.example")
	require.Error(t, err)

	t.Setenv("QUIZCHAIN_TEST_SECRET", "wrong")
	_, err = execute(t, "trigger", "--server", srv.URL, "--secret-env", "QUIZCHAIN_TEST_SECRET",
		"--email", "a@example.com", "--url", "https://quiz.example")
	var apiErr *quizchain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.StatusCode)

	_, err = execute(t, "trigger", "--server", srv.URL)
	require.Error(t, err)
}

func TestStatusCommandSendsOperatorToken(t *testing.T) {
	srv := startAPI(t, "s", "op-token")

	t.Setenv("QUIZCHAIN_TEST_TOKEN", "")
	_, err := execute(t, "status", "--server", srv.URL, "--token-env", "QUIZCHAIN_TEST_TOKEN", "missing")
	var apiErr *quizchain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	t.Setenv("QUIZCHAIN_TEST_TOKEN", "op-token")
	_, err = execute(t, "status", "--server", srv.URL, "--token-env", "QUIZCHAIN_TEST_TOKEN", "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv(config.EnvPath, "")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.TaskStore.Driver)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default(t.TempDir())
	return &app{cfg: cfg, secrets: config.Secrets{SharedSecret: "s"}, log: zap.NewNop()}
}

func TestAppBuildsMemoryBackends(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	defer func() { assert.NoError(t, a.close()) }()

	store, err := a.buildStore(ctx)
	require.NoError(t, err)
	assert.IsType(t, &task.MemoryStore{}, store)

	queue, err := a.buildQueue(ctx)
	require.NoError(t, err)
	assert.IsType(t, &task.MemoryQueue{}, queue)

	journal, err := a.buildJournal(ctx)
	require.NoError(t, err)
	assert.NotNil(t, journal)

	dispatcher, err := a.buildDispatcher()
	require.NoError(t, err)
	assert.Equal(t, 0, dispatcher.Len())

	a.cfg.TaskQueue.Driver = "kafka"
	_, err = a.buildQueue(ctx)
	require.Error(t, err)
}

func TestAppBuildsRedisBackends(t *testing.T) {
	server := miniredis.RunT(t)
	a := testApp(t)
	a.cfg.TaskQueue.Driver = "redis"
	a.cfg.TaskQueue.Redis.Address = server.Addr()
	a.secrets.NotifyRedisURL = "redis://" + server.Addr()
	a.cfg.Notify.Webhook.URL = "http://127.0.0.1:1/hook"
	defer func() { assert.NoError(t, a.close()) }()

	queue, err := a.buildQueue(context.Background())
	require.NoError(t, err)
	defer queue.Close()
	assert.IsType(t, &task.RedisQueue{}, queue)

	dispatcher, err := a.buildDispatcher()
	require.NoError(t, err)
	assert.Equal(t, 2, dispatcher.Len())
}

func TestBuildRunnerWithPythonBridge(t *testing.T) {
	a := testApp(t)
	a.cfg.LLM.Provider = "python_bridge"
	a.cfg.LLM.Python.ScriptPath = filepath.Join(t.TempDir(), "oracle.py")
	a.cfg.Oracle.RequestsPerMinute = 30
	a.cfg.Discovery.ExtraPatterns = []string{`deliver to (\S+)`}
	defer func() { assert.NoError(t, a.close()) }()

	journal, err := a.buildJournal(context.Background())
	require.NoError(t, err)
	runner, err := a.buildRunner(context.Background(), journal)
	require.NoError(t, err)
	assert.NotNil(t, runner)
}

func TestBuildLLMRejectsMissingKeys(t *testing.T) {
	a := testApp(t)
	a.cfg.LLM.Provider = "openai"
	_, err := a.buildLLM(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "OpenAI"))

	a.cfg.LLM.Provider = "gemini"
	_, err = a.buildLLM(context.Background())
	require.Error(t, err)

	a.cfg.LLM.Provider = "unknown"
	_, err = a.buildLLM(context.Background())
	require.Error(t, err)
}
