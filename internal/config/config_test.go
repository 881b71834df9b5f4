package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NODE_ID", "n-test")
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, ClusterOff, c.Cluster.Mode)
	assert.False(t, c.Clustered())
	assert.Equal(t, "n-test", c.Cluster.NodeID)
	assert.Equal(t, "nodebus", c.Cluster.TopicPrefix)
	assert.Equal(t, 2*time.Second, c.Bus.CommitDelay)
	assert.Equal(t, 10*time.Second, c.Bus.ReplyTimeout)
	assert.Equal(t, 10*time.Minute, c.Bus.WaitForeverCap)
	assert.Equal(t, 2*time.Second, c.Bus.InterNodeMargin)
	assert.Equal(t, 1024, c.Bus.DispatchBuffer)
	assert.Equal(t, 16, c.Bus.HandlerWorkers)
	assert.Equal(t, 8, c.Tasks.Workers)
	assert.Equal(t, "memory", c.Cache.Kind)
	assert.Equal(t, 10*time.Minute, c.Cache.DefaultTTL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Cluster.NodeID)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	p := writeYAML(t, `
app:
  env: prod
server:
  addr: ":9090"
cluster:
  mode: redis
  node_id: from-yaml
bus:
  commit_delay: 500ms
  wait_forever_cap: 1m
redis:
  addr: localhost:6379
`)
	t.Setenv("NODE_ID", "from-env")
	t.Setenv("BUS_REPLY_TIMEOUT", "3s")
	t.Setenv("TASKS_WORKERS", "4")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "prod", c.App.Env)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, ClusterRedis, c.Cluster.Mode)
	assert.True(t, c.Clustered())
	assert.Equal(t, "from-env", c.Cluster.NodeID)
	assert.Equal(t, 500*time.Millisecond, c.Bus.CommitDelay)
	assert.Equal(t, 3*time.Second, c.Bus.ReplyTimeout)
	assert.Equal(t, time.Minute, c.Bus.WaitForeverCap)
	assert.Equal(t, 4, c.Tasks.Workers)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeYAML(t, "server: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"redis without addr":    {"CLUSTER_MODE": "redis"},
		"postgres without dsn":  {"CLUSTER_MODE": "postgres"},
		"unknown mode":          {"CLUSTER_MODE": "gossip"},
		"reply timeout too big": {"BUS_REPLY_TIMEOUT": "20m"},
		"redis cache no addr":   {"CACHE_KIND": "redis"},
		"unknown cache":         {"CACHE_KIND": "disk"},
		"negative launch rate":  {"RATE_LAUNCH_MAX": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}

	t.Run("postgres with dsn", func(t *testing.T) {
		t.Setenv("CLUSTER_MODE", "postgres")
		t.Setenv("POSTGRES_DSN", "postgres://localhost/nodebus")
		c, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ClusterPostgres, c.Cluster.Mode)
	})
}
