package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStyleTablesCoverEveryValue(t *testing.T) {
	for _, s := range Statuses {
		st, ok := statusStyles[s]
		require.True(t, ok, "status %s has no style", s)
		assert.NotEmpty(t, st.Icon)
		assert.NotEmpty(t, st.Color)
		assert.NotEmpty(t, st.Label)
	}
	assert.Len(t, statusStyles, len(Statuses))
	for _, p := range Priorities {
		_, ok := priorityStyles[p]
		require.True(t, ok, "priority %s has no style", p)
	}
	assert.Len(t, priorityStyles, len(Priorities))
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, ok := ParseStatus(string(s))
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	for _, bad := range []string{"", "closed", "PENDING", "done"} {
		_, ok := ParseStatus(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseRoleAcceptsSignupAlias(t *testing.T) {
	r, ok := ParseRole("user")
	require.True(t, ok)
	assert.Equal(t, RoleCitizen, r)
	_, ok = ParseRole("admin")
	assert.False(t, ok)
}

func TestParsePriorityDefaultsToMedium(t *testing.T) {
	p, ok := ParsePriority("")
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, p)
	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

func TestIssueSLA(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *string {
		v := FormatTime(now.Add(d))
		return &v
	}
	cases := []struct {
		name     string
		deadline *string
		want     SLAState
	}{
		{"none", nil, SLANone},
		{"past", at(-time.Minute), SLAOverdue},
		{"soon", at(3 * time.Hour), SLADueSoon},
		{"later", at(48 * time.Hour), SLAOnTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := Issue{SLADeadline: tc.deadline}
			assert.Equal(t, tc.want, is.SLA(now))
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	w := "w1"
	is := Issue{ID: "i1", Images: []string{"a"}, AssignedTo: &w}
	c := is.Clone()
	c.Images[0] = "b"
	*c.AssignedTo = "w2"
	assert.Equal(t, "a", is.Images[0])
	assert.Equal(t, "w1", is.Assignee())
}
