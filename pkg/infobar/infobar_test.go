package infobar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_PerformAllow(t *testing.T) {
	m := NewManager()

	var got []Action
	m.Add("t0", &Infobar{Kind: "media", Video: true, OnAction: func(a Action) { got = append(got, a) }})
	m.Add("t1", &Infobar{Kind: "media", Audio: true})

	assert.Equal(t, 1, m.Count("t0"))
	assert.Equal(t, 1, m.Count("t1"))

	require.NoError(t, m.Perform("t0", 0, Allow))
	assert.Equal(t, []Action{Allow}, got)
	assert.Equal(t, 0, m.Count("t0"))
	assert.Equal(t, 1, m.Count("t1"), "other tabs are untouched")
}

func TestManager_PerformBadIndex(t *testing.T) {
	m := NewManager()
	m.Add("t0", &Infobar{Kind: "media"})

	err := m.Perform("t0", 1, Allow)
	assert.ErrorIs(t, err, ErrNoInfobar)
	err = m.Perform("t9", 0, Allow)
	assert.ErrorIs(t, err, ErrNoInfobar)
	assert.Equal(t, 1, m.Count("t0"))
}

func TestManager_PerformKeepsOrder(t *testing.T) {
	m := NewManager()
	m.Add("t0", &Infobar{Kind: "a"})
	m.Add("t0", &Infobar{Kind: "b"})
	m.Add("t0", &Infobar{Kind: "c"})

	require.NoError(t, m.Perform("t0", 1, Dismiss))

	list := m.List("t0")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Kind)
	assert.Equal(t, "c", list[1].Kind)
}

func TestManager_RemoveTabDenies(t *testing.T) {
	m := NewManager()
	var got []Action
	for i := 0; i < 2; i++ {
		m.Add("t0", &Infobar{OnAction: func(a Action) { got = append(got, a) }})
	}

	m.RemoveTab("t0")
	assert.Equal(t, []Action{Deny, Deny}, got)
	assert.Equal(t, 0, m.Count("t0"))
}

func TestManager_Changed(t *testing.T) {
	m := NewManager()
	ch := m.Changed()

	go m.Add("t0", &Infobar{})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Changed was not signalled by Add")
	}
	assert.Equal(t, 1, m.Count("t0"))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("allow")
	require.NoError(t, err)
	assert.Equal(t, Allow, a)

	_, err = ParseAction("accept")
	assert.Error(t, err)
}
