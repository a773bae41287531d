package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireEnforcesInterval(t *testing.T) {
	r := NewRegistry()
	r.Configure("pubmed", 50*time.Millisecond, 4)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "pubmed")
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = r.Acquire(ctx, "pubmed")
	require.NoError(t, err)
	release()

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"zwei Requests derselben Quelle halten das Mindestintervall ein")
}

func TestAcquireUnknownSourceIsUnthrottled(t *testing.T) {
	r := NewRegistry()
	release, err := r.Acquire(context.Background(), "unbekannt")
	require.NoError(t, err)
	release()
}

func TestAcquireRespectsConcurrencyCap(t *testing.T) {
	r := NewRegistry()
	r.Configure("scholar", 0, 1)
	ctx := context.Background()

	release1, err := r.Acquire(ctx, "scholar")
	require.NoError(t, err)

	// Zweiter Acquire blockiert, bis der erste Slot frei wird
	done := make(chan struct{})
	go func() {
		release2, err := r.Acquire(ctx, "scholar")
		assert.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire hätte auf den belegten Slot warten müssen")
	case <-time.After(30 * time.Millisecond):
	}

	release1()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire kam nach release nicht frei")
	}
}

func TestAcquireCancellationReleasesSlot(t *testing.T) {
	r := NewRegistry()
	r.Configure("scholar", 0, 1)

	release1, err := r.Acquire(context.Background(), "scholar")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "scholar")
	assert.Error(t, err, "abgebrochene Acquires geben einen Fehler zurück")

	// Der Abbruch darf den belegten Slot nicht beschädigen
	release1()
	release3, err := r.Acquire(context.Background(), "scholar")
	require.NoError(t, err)
	release3()
}

func TestAcquireRateWaitCancellation(t *testing.T) {
	r := NewRegistry()
	r.Configure("slow", time.Hour, 1)

	ctx := context.Background()
	release, err := r.Acquire(ctx, "slow")
	require.NoError(t, err)
	release()

	// Der nächste Token kommt erst in einer Stunde; der Context bricht ab
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "slow")
	assert.Error(t, err)

	// Slot wurde beim Abbruch freigegeben
	release2 := mustAcquireAfterConfigure(t, r)
	release2()
}

func mustAcquireAfterConfigure(t *testing.T, r *Registry) func() {
	t.Helper()
	// Neu konfigurieren setzt den Limiter zurück
	r.Configure("slow", 0, 1)
	release, err := r.Acquire(context.Background(), "slow")
	require.NoError(t, err)
	return release
}
