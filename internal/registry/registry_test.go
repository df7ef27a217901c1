package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRegistered(t *testing.T) {
	r := New()
	assert.Equal(t, 6, r.Count())

	tool, err := r.Get("create_task")
	require.NoError(t, err)
	assert.Equal(t, RiskLow, tool.RiskClass)
	assert.True(t, tool.Core)

	tool, err = r.Get("draft_email")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, tool.RiskClass)
	assert.False(t, tool.Core)
}

func TestGetUnknownTool(t *testing.T) {
	r := New()
	_, err := r.Get("launch_rockets")
	require.Error(t, err)

	var unknown *UnknownToolError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "launch_rockets", unknown.Name)
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(&ToolDescriptor{RiskClass: RiskLow}))
	assert.Error(t, r.Register(&ToolDescriptor{Name: "x", RiskClass: "RISK_MEDIUM"}))
	assert.NoError(t, r.Register(&ToolDescriptor{Name: "x", RiskClass: RiskHigh}))
}

func TestCoreToolNames(t *testing.T) {
	r := New()
	names := r.CoreToolNames()
	assert.Contains(t, names, "create_task")
	assert.Contains(t, names, "flag_for_review")
	assert.NotContains(t, names, "draft_email")
}

func TestSnapshotCachedOnce(t *testing.T) {
	r := New()
	first := r.Snapshot()
	assert.Len(t, first, 6)

	require.NoError(t, r.Register(&ToolDescriptor{Name: "late_tool", RiskClass: RiskLow}))
	assert.Len(t, r.Snapshot(), 6, "snapshot does not pick up late registrations")
}

func TestSnapshotCoreToolsFirst(t *testing.T) {
	r := New()
	snap := r.Snapshot()
	core := map[string]bool{}
	for _, name := range r.CoreToolNames() {
		core[name] = true
	}
	for i, tool := range snap {
		if i < len(core) {
			assert.True(t, core[tool.Name], "core tools lead the snapshot")
		} else {
			assert.False(t, core[tool.Name])
		}
	}
}
