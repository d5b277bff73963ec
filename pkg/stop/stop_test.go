package stop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stopper struct{ err error }

func (s stopper) Stop() Result {
	c := make(Channel)
	go c.Done(s.err)
	return c.Result()
}

func TestAlreadyStopped(t *testing.T) {
	// AlreadyStopped is shared, so it must be waitable any number of times.
	require.Empty(t, AlreadyStopped.Wait())
	require.Empty(t, AlreadyStopped.Wait())
}

func TestImmediately(t *testing.T) {
	boom := errors.New("boom")
	require.Equal(t, []error{boom}, Immediately(nil, boom).Wait())
	require.Empty(t, Immediately(nil).Wait())
}

func TestGroup(t *testing.T) {
	boom := errors.New("boom")

	g := NewGroup()
	g.Add(stopper{})
	g.Add(stopper{err: boom})
	g.AddFunc(func() Result { return AlreadyStopped })

	require.Equal(t, []error{boom}, g.Stop().Wait())
	require.Empty(t, g.Stop().Wait(), "a stopped group is empty")
}

func TestGroupNilResult(t *testing.T) {
	g := NewGroup()
	g.AddFunc(func() Result { return nil })
	require.Panics(t, func() { g.Stop() })
}

func TestChannelResult(t *testing.T) {
	boom := errors.New("boom")

	c := make(Channel)
	var r Result = c.Result()
	go c.Done(nil, boom)

	require.Equal(t, []error{boom}, r.Wait())
	require.Empty(t, r.Wait(), "a closed Result delivers nothing more")
}
