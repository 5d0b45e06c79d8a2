package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  address: ":9090"
  secret_env: QUIZCHAIN_TEST_SECRET
  operator_token_env: QUIZCHAIN_TEST_OPERATOR
storage:
  task_store:
    driver: mysql
    dsn_env: QUIZCHAIN_TEST_DSN
task_queue:
  driver: redis
  workers: 4
  redis:
    address: "127.0.0.1:6379"
executor:
  mode: docker
overrides:
  path: overrides.yaml
runtime:
  data_dir: state
`

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quizchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "mysql", cfg.Storage.TaskStore.Driver)
	assert.Equal(t, 2, cfg.Storage.TaskStore.MaxRetries)
	assert.Equal(t, "memory", cfg.Storage.Journal.Driver)
	assert.Equal(t, 4, cfg.TaskQueue.Workers)
	assert.Equal(t, "docker", cfg.Executor.Mode)
	assert.Equal(t, filepath.Join(dir, "overrides.yaml"), cfg.Overrides.Path)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Equal(t, 3, cfg.Oracle.MaxRounds)
	assert.True(t, cfg.Browser.IsHeadless())
	assert.Equal(t, "json", cfg.Notify.Redis.Encoding)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quizchain.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"secret":"literal"},"oracle":{"max_rounds":5}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Oracle.MaxRounds)
	assert.Equal(t, "literal", cfg.ResolveSecrets().SharedSecret)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Parse([]byte("server: [unterminated"), ".yaml")
	require.Error(t, err)
}

func TestResolveSecretsReadsEnvironment(t *testing.T) {
	t.Setenv("QUIZCHAIN_TEST_SECRET", " from-env ")
	t.Setenv("QUIZCHAIN_TEST_OPERATOR", "op")
	t.Setenv("QUIZCHAIN_TEST_DSN", "user:pass@tcp(localhost:3306)/quiz")

	cfg, err := Parse([]byte(sampleYAML), ".yml")
	require.NoError(t, err)
	cfg.applyDefaults(t.TempDir())

	secrets := cfg.ResolveSecrets()
	assert.Equal(t, "from-env", secrets.SharedSecret)
	assert.Equal(t, "op", secrets.OperatorToken)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/quiz", secrets.TaskStoreDSN)
	assert.NoError(t, cfg.Validate(secrets))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Executor.Mode = "vm"
	cfg.LLM.Provider = "unknown"
	cfg.TaskQueue.Driver = "kafka"
	cfg.Storage.TaskStore.Driver = "mysql"

	err := cfg.Validate(Secrets{})
	require.Error(t, err)
	for _, fragment := range []string{"共享密钥", "executor.mode", "llm.provider", "task_queue.driver", "task_store.dsn"} {
		assert.Contains(t, err.Error(), fragment)
	}

	assert.NoError(t, Default(t.TempDir()).Validate(Secrets{SharedSecret: "s"}))
}

func TestValidateDefaultEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "https://quiz.example/submit", "http://localhost:9000/s", "/submit"} {
		cfg := Default(t.TempDir())
		cfg.Submission.DefaultEndpoint = endpoint
		assert.NoError(t, cfg.Validate(Secrets{SharedSecret: "s"}), endpoint)
	}
	for _, endpoint := range []string{"submit", "ftp://quiz.example/s", "//other.example/s", "https:///nohost", "http://bad host/%zz"} {
		cfg := Default(t.TempDir())
		cfg.Submission.DefaultEndpoint = endpoint
		err := cfg.Validate(Secrets{SharedSecret: "s"})
		require.Error(t, err, endpoint)
		assert.Contains(t, err.Error(), "submission.default_endpoint")
	}
}

func TestResolvePathPrecedence(t *testing.T) {
	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))

	t.Setenv(EnvPath, "/etc/quizchain.yaml")
	assert.Equal(t, "/etc/quizchain.yaml", ResolvePath(""))
	assert.Equal(t, "flag.yaml", ResolvePath("flag.yaml"))
}
