package server

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gihan9a/braidhttp/internal/store"
	"gihan9a/braidhttp/pkg/braidclient"
	"gihan9a/braidhttp/pkg/braidproto"
)

func TestSequencerLocksPerResource(t *testing.T) {
	q := newSequencer()
	unlock := q.lock("/a")

	// Other resources are not held up.
	q.lock("/b")()

	acquired := make(chan struct{})
	go func() {
		defer q.lock("/a")()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second lock of /a acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second lock of /a not acquired after release")
	}
}

func TestPutWaitsForEarlierEdit(t *testing.T) {
	s, ts := startServer(t, testConfig(t))
	url := ts.URL + "/doc"
	put(t, url, braidproto.Update{Body: []byte("first")})

	// An edit still being stored and published holds the resource.
	unlock := s.sequencer.lock("/doc")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := newClient("bob").Put(context.Background(), url, braidproto.Update{Body: []byte("second")})
		assert.NoError(t, err)
	}()

	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
	snap, _ := s.Registry().GetResourceState("/doc")
	assert.Equal(t, "first", snap.Content)

	unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("edit did not complete")
	}
	snap, _ = s.Registry().GetResourceState("/doc")
	assert.Equal(t, "second", snap.Content)
}

func TestConcurrentPutsReachSubscribersInOrder(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(ctx, filepath.Join(t.TempDir(), "braid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	s, ts := startServer(t, testConfig(t), WithStore(st))
	url := ts.URL + "/doc"
	put(t, url, braidproto.Update{Body: []byte("start")})
	sub := subscribe(t, newClient("reader"), url, braidclient.Request{})
	first := next(t, sub)
	require.Equal(t, []byte("start"), first.Body)

	const writers, edits = 8, 5
	var g errgroup.Group
	for i := range writers {
		c := newClient(fmt.Sprintf("writer-%d", i))
		g.Go(func() error {
			for j := range edits {
				body := fmt.Sprintf("writer %d edit %d", i, j)
				if _, err := c.Put(ctx, url, braidproto.Update{Body: []byte(body)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	final, ok := s.Registry().GetResourceState("/doc")
	require.True(t, ok)

	// Every update builds on the one before it and the last one is the
	// server's state.
	last, received := first, 0
	for last.Version[0] != final.Version {
		u := next(t, sub)
		require.Contains(t, u.Parents, last.Version[0], "update %d does not follow %s", received, last.Version[0])
		last = u
		received++
	}
	assert.Equal(t, writers*edits, received)
	assert.Equal(t, []byte(final.Content), last.Body)

	stored, err := st.Load(ctx, "/doc")
	require.NoError(t, err)
	assert.Equal(t, final.Version, stored.Version)
	assert.Equal(t, final.Content, stored.Content)
}
