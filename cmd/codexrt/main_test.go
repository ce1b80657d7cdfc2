package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cpjet64/codexrt/internal/common/config"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/pkg/codex"
)

func TestConfigCmd_PrintsYAML(t *testing.T) {
	t.Setenv("CODEXRT_PROCESS_EXECUTABLE", "/usr/local/bin/codex")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", t.TempDir(), "--log-level", "debug"})
	require.NoError(t, root.Execute())

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, "/usr/local/bin/codex", cfg.Process.Executable)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigCmd_RejectsArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "extra"})
	assert.Error(t, root.Execute())
}

func TestPrintEvents(t *testing.T) {
	b := bus.New(logger.Nop())
	var out bytes.Buffer
	var seen []string
	sub := printEvents(b, &out, func(ev *codex.Event) { seen = append(seen, ev.Type) })
	defer sub.Unsubscribe()

	b.Publish(codex.NewEvent("t1", "agent_message", json.RawMessage(`{"type":"agent_message","message":"hi"}`)))
	b.Publish(codex.NewEvent("t1", "task_complete", json.RawMessage(`{"type":"task_complete"}`)))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var ev codex.Event
	require.NoError(t, json.Unmarshal(lines[1], &ev))
	assert.Equal(t, "task_complete", ev.Type)
	assert.Equal(t, []string{"agent_message", "task_complete"}, seen)
}
