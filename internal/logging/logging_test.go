// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.NotNil(t, cfg.Output)
	assert.False(t, cfg.JSON)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(Config{Level: LevelWarn, Output: &buf})

	lg.Info("hidden")
	lg.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "key=value")
	assert.False(t, lg.Enabled(LevelInfo))
	assert.True(t, lg.Enabled(LevelError))
}

func TestJSONComponentAndError(t *testing.T) {
	var buf bytes.Buffer
	lg := New(Config{Level: LevelDebug, Output: &buf, JSON: true}).
		WithComponent("conntable").
		WithError(fmt.Errorf("boom"))

	lg.Debug("swapped generations", "evicted", 3)

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "conntable", rec["component"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "swapped generations", rec["msg"])
	assert.EqualValues(t, 3, rec["evicted"])
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Output: &buf}))
	SetDefault(nil)

	Info("hello from default")
	assert.Contains(t, buf.String(), "hello from default")
}
