package scm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol-portal/change-request-service/internal/config"
)

func TestBranchMatcher(t *testing.T) {
	m, err := NewBranchMatcher(config.DefaultBranchPattern)
	require.NoError(t, err)

	tests := []struct {
		branch string
		want   string
		ok     bool
	}{
		{branch: "feature/SOL-1A2B3C4D-sso", want: "1A2B3C4D", ok: true},
		{branch: "feature/SOL-1A2B3C4D-add-login", want: "1A2B3C4D", ok: true},
		{branch: "sol-1a2b3c4d-fix-bug", want: "1a2b3c4d", ok: true},
		{branch: "sol-1a2b3c4d_cafe-face", want: "1a2b3c4d", ok: true},
		{branch: "cr/0f8c2a1e-55aa-4c1f-9a7e-3b2d1c0e9f88-retry", want: "0f8c2a1e-55aa-4c1f-9a7e-3b2d1c0e9f88", ok: true},
		{branch: "sol-1a2b3c4dbeef", ok: false},
		{branch: "console-1a2b3c4d", ok: false},
		{branch: "solicitud_0f8c2a1e-55aa-4c1f-9a7e-3b2d1c0e9f88", want: "0f8c2a1e-55aa-4c1f-9a7e-3b2d1c0e9f88", ok: true},
		{branch: "cr/deadbeef", want: "deadbeef", ok: true},
		{branch: "main", ok: false},
		{branch: "sol-123", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			got, ok := m.Reference(tt.branch)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBranchMatcherRequiresGroup(t *testing.T) {
	_, err := NewBranchMatcher(`sol-[0-9a-f]+`)
	assert.Error(t, err)

	_, err = NewBranchMatcher(`(`)
	assert.Error(t, err)
}
