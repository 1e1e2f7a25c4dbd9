package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

const sample = `
agents:
  - id: orchestrator
    working_directory: /tmp/orchestrator
    orchestrator: true
  - id: web
    name: Web
    description: Frontend work
    working_directory: /src/web
    api_endpoint: http://127.0.0.1:8081
  - id: legacy
    working_directory: /src/legacy
    enabled: false
`

func TestParse(t *testing.T) {
	roster, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, roster, 3)

	orch, ok := roster.Orchestrator()
	require.True(t, ok)
	assert.Equal(t, "orchestrator", orch.ID)

	web := roster[1]
	assert.Equal(t, "Web", web.Name)
	assert.Equal(t, "/src/web", web.WorkingDirectory)
	assert.Equal(t, "http://127.0.0.1:8081", web.APIEndpoint)
	assert.True(t, web.Enabled())

	assert.False(t, roster[2].Enabled())
	assert.Equal(t, []string{"web"}, roster.Workers().IDs())
}

func TestParse_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	roster, err := Parse([]byte("agents:\n  - id: web\n    working_directory: ~/src/web\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "src/web"), roster[0].WorkingDirectory)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown key", "agents:\n  - id: web\n    workdir: /src\n", "parse roster"},
		{"duplicate id", "agents:\n  - id: web\n  - id: web\n", "duplicate agent id"},
		{"two orchestrators", "agents:\n  - id: a\n    orchestrator: true\n  - id: b\n    orchestrator: true\n", models.ErrMultipleOrchestrators.Error()},
		{"missing id", "agents:\n  - name: nobody\n", "empty id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	roster, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestMarshalRoundTrip(t *testing.T) {
	roster, err := Parse([]byte(sample))
	require.NoError(t, err)

	data, err := Marshal(roster)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, roster, again)
}

func TestStore_RosterIsACopy(t *testing.T) {
	s := Static(models.Roster{{ID: "web", WorkingDirectory: "/src/web"}})

	r := s.Roster()
	r[0].ID = "mutated"
	assert.Equal(t, "web", s.Roster()[0].ID)
}

func TestStore_EmptyPath(t *testing.T) {
	s, err := NewStore("", logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, s.Roster())
	assert.Error(t, s.Watch(context.Background()))
}

func TestStore_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	s, err := NewStore(path, logging.Discard())
	require.NoError(t, err)
	require.Len(t, s.Roster(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	// A broken file keeps the previous roster.
	require.NoError(t, os.WriteFile(path, []byte("agents: [oops"), 0o644))
	time.Sleep(3 * reloadDebounce)
	assert.Len(t, s.Roster(), 3)

	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: api\n    working_directory: /src/api\n"), 0o644))
	require.Eventually(t, func() bool {
		r := s.Roster()
		return len(r) == 1 && r[0].ID == "api"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStore_WatchSeesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	s, err := NewStore(path, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	tmp := filepath.Join(dir, "agents.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("agents:\n  - id: swapped\n    working_directory: /src/x\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		r := s.Roster()
		return len(r) == 1 && r[0].ID == "swapped"
	}, 5*time.Second, 20*time.Millisecond)
}
