package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisrange/praxis/pkg/domain"
)

const sampleCatalog = `
labs:
  - id: sqli-basics
    name: SQL Injection Basics
    category: web
    difficulty: beginner
    image: praxis/sqli-basics:1.2
    ports: [80]
    env_template:
      DB_SEED: default
    resources:
      cpu_shares: 512
      memory_bytes: 268435456
    total_timeout: 2h
    idle_timeout: 30m
  - id: buffer-lab
    name: Stack Overflow Playground
    category: pwn
    difficulty: intermediate
    mode: process
    command: ["python3", "server.py"]
    ports: [3000]
    total_timeout: 1h
  - id: retired-lab
    name: Old Lab
    image: praxis/old:1.0
    active: false
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileCatalog_Load(t *testing.T) {
	c, err := NewFileCatalog(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	lab, err := c.Get(context.Background(), "sqli-basics")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeContainer, lab.Mode)
	assert.Equal(t, "praxis/sqli-basics:1.2", lab.Image)
	assert.Equal(t, 2*time.Hour, lab.TotalTimeout)
	assert.Equal(t, 30*time.Minute, lab.IdleTimeout)
	assert.Equal(t, int64(512), lab.Resources.CPUShares)
	assert.True(t, lab.Active)

	proc, err := c.Get(context.Background(), "buffer-lab")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeProcess, proc.Mode)
	assert.Equal(t, []string{"python3", "server.py"}, proc.Command)
}

func TestFileCatalog_InactiveLabHidden(t *testing.T) {
	c, err := NewFileCatalog(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "retired-lab")
	assert.ErrorIs(t, err, ErrLabNotFound)

	_, err = c.Get(context.Background(), "never-existed")
	assert.ErrorIs(t, err, ErrLabNotFound)
}

func TestFileCatalog_RejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing image": `
labs:
  - id: broken
    name: Broken
`,
		"bad mode": `
labs:
  - id: broken
    mode: vm
    image: praxis/x:1
`,
		"bad duration": `
labs:
  - id: broken
    image: praxis/x:1
    total_timeout: two hours
`,
		"process without command": `
labs:
  - id: broken
    mode: process
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewFileCatalog(writeCatalog(t, content))
			assert.Error(t, err)
		})
	}
}
