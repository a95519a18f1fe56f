package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"billing", "billing"},
		{"User_Auth", "user-auth"},
		{"  spaced  ", "spaced"},
		{"--edges--", "edges"},
		{"a.b/c", "a-b-c"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestShortUID(t *testing.T) {
	assert.Equal(t, "a1b2c3d4", ShortUID("a1b2c3d4-e5f6-7890-abcd-ef0123456789"))
	assert.Equal(t, "short", ShortUID("short"))
}

func TestJobName(t *testing.T) {
	name := JobName("docs", "default", "docs-billing-task12", "a1b2c3d4-e5f6", 12, 3)
	assert.Equal(t, "docs-default-docs-billing-task12-a1b2c3d4-t12-v3", name)
}

func TestJobName_Deterministic(t *testing.T) {
	a := JobName("code", "prod", "w", "uid-123", 7, 2)
	b := JobName("code", "prod", "w", "uid-123", 7, 2)
	assert.Equal(t, a, b, "same inputs always produce the same name")
}

func TestJobName_DistinctPerVersion(t *testing.T) {
	v1 := JobName("code", "prod", "w", "uid-123", 7, 1)
	v2 := JobName("code", "prod", "w", "uid-123", 7, 2)
	assert.NotEqual(t, v1, v2)
}

func TestJobName_TruncatesLongNamesKeepingSuffix(t *testing.T) {
	long := strings.Repeat("x", 80)
	name := JobName("code", "default", long, "a1b2c3d4", 123, 45)

	assert.LessOrEqual(t, len(name), 63)
	assert.True(t, strings.HasSuffix(name, "-t123-v45"),
		"versioned suffix must survive truncation, got %s", name)
	assert.False(t, strings.Contains(name, "--"), "no doubled hyphens at the cut: %s", name)
}

func TestConfigName(t *testing.T) {
	assert.Equal(t, "billing-task12-v3-files", ConfigName("billing", 12, 3))
	assert.Equal(t, "user-auth-task1-v1-files", ConfigName("User_Auth", 1, 1))
}

func TestWorkspaceName(t *testing.T) {
	assert.Equal(t, "workspace-billing", WorkspaceName("billing"))

	// Retries share the workspace: the name carries no version.
	assert.Equal(t, WorkspaceName("billing"), WorkspaceName("billing"))
}
