package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
self:
  name: a
  addr: 127.0.0.1:7001
http: :9001
cluster:
  servers:
    - {name: a, addr: 127.0.0.1:7001}
    - {name: b, addr: 127.0.0.1:7002}
store:
  driver: bolt
  path: /tmp/a.db
timing:
  scan_interval: 250ms
  write_timeout: 3s
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cluster.Server{Name: "a", Addr: "127.0.0.1:7001"}, config.Self)
	assert.Equal(t, ":9001", config.HTTP)
	assert.Len(t, config.Cluster.Servers, 2)
	assert.Equal(t, cluster.DefaultAvailableFactor, config.Cluster.AvailableFactor)
	assert.Equal(t, 250*time.Millisecond, config.Options().ScanInterval)
	assert.Equal(t, 3*time.Second, config.WriteTimeout())
	assert.Equal(t, "info", config.Log.Level)
}

func TestLoadConfig_ServersNamedAfterAddress(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Mapping", "self: {addr: a:1}\ncluster: {servers: [{addr: a:1}, {addr: b:1}]}"},
		{"Shorthand", "self: a:1\ncluster: {servers: [a:1, b:1]}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig(writeConfig(t, tt.content))
			require.NoError(t, err)
			assert.Equal(t, cluster.Server{Name: "a:1", Addr: "a:1"}, config.Self)
			assert.Equal(t, []cluster.Server{
				{Name: "a:1", Addr: "a:1"},
				{Name: "b:1", Addr: "b:1"},
			}, config.Cluster.Servers)
		})
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "Missing self",
			content: "cluster: {servers: [{name: a, addr: x:1}]}",
		},
		{
			name:    "Self outside cluster",
			content: "self: {name: z, addr: z:1}\ncluster: {servers: [{name: a, addr: x:1}]}",
		},
		{
			name:    "Unknown driver",
			content: "self: {name: a, addr: x:1}\ncluster: {servers: [{name: a, addr: x:1}]}\nstore: {driver: floppy}",
		},
		{
			name:    "Missing store path",
			content: "self: {name: a, addr: x:1}\ncluster: {servers: [{name: a, addr: x:1}]}\nstore: {driver: badger}",
		},
		{
			name:    "Bad duration",
			content: "self: {name: a, addr: x:1}\ncluster: {servers: [{name: a, addr: x:1}]}\ntiming: {scan_interval: soon}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_GossipSkipsServerList(t *testing.T) {
	path := writeConfig(t, `
self: {name: a, addr: 127.0.0.1:7001}
gossip:
  bind_addr: 127.0.0.1
  bind_port: 7946
  expect: 3
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, config.Gossip)
	assert.Equal(t, 3, config.Gossip.Expect)
	assert.Equal(t, uint16(7946), config.Gossip.BindPort)
}
