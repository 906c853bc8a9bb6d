package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	name     string
	log      *[]string
	startErr error
	stopErr  error
}

func (r *recordingRunner) Name() string { return r.name }

func (r *recordingRunner) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.log = append(*r.log, "start "+r.name)
	return nil
}

func (r *recordingRunner) Stop(context.Context) error {
	*r.log = append(*r.log, "stop "+r.name)
	return r.stopErr
}

func TestManager_StartStopOrdering(t *testing.T) {
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(&recordingRunner{name: "intake", log: &log}))
	require.NoError(t, m.Register(&recordingRunner{name: "uplink", log: &log}))
	require.NoError(t, m.Register(&recordingRunner{name: "metrics", log: &log}))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []string{
		"start intake", "start uplink", "start metrics",
		"stop metrics", "stop uplink", "stop intake",
	}, log)
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(&recordingRunner{name: "intake", log: &log}))
	require.NoError(t, m.Register(&recordingRunner{name: "uplink", log: &log, startErr: fmt.Errorf("broker down")}))
	require.NoError(t, m.Register(&recordingRunner{name: "metrics", log: &log}))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uplink")

	// Only intake started, so only intake stops
	assert.Equal(t, []string{"start intake", "stop intake"}, log)
}

func TestManager_StopContinuesPastFailures(t *testing.T) {
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(&recordingRunner{name: "intake", log: &log}))
	require.NoError(t, m.Register(&recordingRunner{name: "uplink", log: &log, stopErr: fmt.Errorf("drain timeout")}))

	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start intake", "start uplink", "stop uplink", "stop intake"}, log)
}

func TestManager_ObserverSeesTransitions(t *testing.T) {
	var log []string
	var states []string
	m := NewManager(nil)
	m.Observe(func(name string, state State) {
		states = append(states, name+" "+state.String())
	})
	require.NoError(t, m.Register(&recordingRunner{name: "intake", log: &log}))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []string{
		"intake starting", "intake running",
		"intake stopping", "intake stopped",
	}, states)
}

func TestManager_ObserverSeesFailure(t *testing.T) {
	var log []string
	var states []string
	m := NewManager(nil)
	m.Observe(func(name string, state State) {
		states = append(states, name+" "+state.String())
	})
	require.NoError(t, m.Register(&recordingRunner{name: "uplink", log: &log, startErr: fmt.Errorf("broker down")}))

	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, []string{"uplink starting", "uplink failed"}, states)
}

func TestManager_RegisterAfterStartRejected(t *testing.T) {
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(&recordingRunner{name: "intake", log: &log}))
	require.NoError(t, m.Start(context.Background()))

	err := m.Register(&recordingRunner{name: "late", log: &log})
	require.Error(t, err)
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Stop(context.Background()))
}

func TestFuncs_NilClosures(t *testing.T) {
	f := Funcs{RunnerName: "noop"}
	assert.Equal(t, "noop", f.Name())
	assert.NoError(t, f.Start(context.Background()))
	assert.NoError(t, f.Stop(context.Background()))
}
