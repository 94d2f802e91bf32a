package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "workflow.json", cfg.Workflow.Path)
	assert.EqualValues(t, 10*1024*1024, cfg.Admission.MaxRequestSize)
	assert.Equal(t, 60, cfg.Admission.RateLimitRequests)
	assert.Equal(t, 60, cfg.Admission.RateLimitWindowSeconds)
	assert.Equal(t, "", cfg.Workspace.Dir)
	assert.False(t, cfg.Workspace.EnableCommandExecution)
	assert.EqualValues(t, 100*1024*1024, cfg.Workspace.MaxFileSize)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_PATH", "/tmp/wf.json")
	t.Setenv("MAX_REQUEST_SIZE", "1024")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "10")
	t.Setenv("WORKSPACE_DIR", "/tmp/ws")
	t.Setenv("ENABLE_COMMAND_EXECUTION", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/wf.json", cfg.Workflow.Path)
	assert.EqualValues(t, 1024, cfg.Admission.MaxRequestSize)
	assert.Equal(t, 5, cfg.Admission.RateLimitRequests)
	assert.Equal(t, 10, cfg.Admission.RateLimitWindowSeconds)
	assert.Equal(t, "/tmp/ws", cfg.Workspace.Dir)
	assert.True(t, cfg.Workspace.EnableCommandExecution)
}

func TestLoadRejectsNonPositiveSettings(t *testing.T) {
	t.Setenv("MAX_REQUEST_SIZE", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateEnvironmentWarnings(t *testing.T) {
	for _, key := range providerKeyEnvVars {
		t.Setenv(key, "")
	}

	warnings := ValidateEnvironment()
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "No API key found")

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-real")
	assert.Empty(t, ValidateEnvironment())

	t.Setenv("OPENAI_API_KEY", "your-key-here")
	warnings = ValidateEnvironment()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "OPENAI_API_KEY")
	assert.Contains(t, warnings[0], "placeholder")
}

func TestWorkflowVariables(t *testing.T) {
	t.Setenv("WORKFLOW_VAR_NAME", `"ada"`)
	t.Setenv("WORKFLOW_VAR_COUNT", "3")
	t.Setenv("WORKFLOW_VAR_FLAG", "true")
	t.Setenv("WORKFLOW_VAR_RAW", "not json at all")
	t.Setenv("WORKFLOW_VAR_OBJ", `{"k": 1}`)

	vars := WorkflowVariables()
	assert.Equal(t, "ada", vars["NAME"])
	assert.Equal(t, float64(3), vars["COUNT"])
	assert.Equal(t, true, vars["FLAG"])
	assert.Equal(t, "not json at all", vars["RAW"])
	assert.Equal(t, map[string]any{"k": float64(1)}, vars["OBJ"])
}
