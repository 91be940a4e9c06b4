package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/quorum/pkg/models"
)

func TestScopesOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"identical", []string{"api/*.go"}, []string{"api/*.go"}, true},
		{"glob covers file", []string{"api/**"}, []string{"api/v1/users.go"}, true},
		{"file covered by glob", []string{"web/index.html"}, []string{"web/*.html"}, true},
		{"disjoint dirs", []string{"api/**"}, []string{"web/**"}, false},
		{"empty scope", nil, []string{"**"}, false},
		{"any pair", []string{"docs/*.md", "api/x.go"}, []string{"api/*.go"}, true},
		{"invalid pattern", []string{"api/[x"}, []string{"web/y"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scopesOverlap(tt.a, tt.b))
			assert.Equal(t, tt.want, scopesOverlap(tt.b, tt.a))
		})
	}
}

func TestCollides(t *testing.T) {
	running := []*models.SubTask{
		{ID: "a", Scope: []string{"api/**"}},
		{ID: "b"},
	}
	assert.Equal(t, "a", collides(&models.SubTask{ID: "c", Scope: []string{"api/users.go"}}, running).ID)
	assert.Nil(t, collides(&models.SubTask{ID: "d", Scope: []string{"web/**"}}, running))
	assert.Nil(t, collides(&models.SubTask{ID: "e"}, running))
}
