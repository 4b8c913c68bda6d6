package channel

import (
	"context"
	"testing"
	"time"

	"dexflow/internal/models"
)

func TestUpdatesSendAndStats(t *testing.T) {
	u := NewUpdates(1)
	ctx := context.Background()

	if !u.Send(ctx, models.RawAccountUpdate{Address: "a", Slot: 1}) {
		t.Fatalf("send into empty buffer failed")
	}
	if u.TrySend(models.RawAccountUpdate{Address: "b"}) {
		t.Fatalf("TrySend into full buffer should fail")
	}
	if u.Len() != 1 || u.Cap() != 1 {
		t.Fatalf("unexpected len/cap: %d/%d", u.Len(), u.Cap())
	}

	stats := u.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := <-u.C
	if got.Address != "a" {
		t.Fatalf("unexpected update: %+v", got)
	}
}

func TestUpdatesSendBlocksUntilCancelled(t *testing.T) {
	u := NewUpdates(1)
	u.TrySend(models.RawAccountUpdate{Address: "fill"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if u.Send(ctx, models.RawAccountUpdate{Address: "late"}) {
		t.Fatalf("send into full buffer should fail after cancellation")
	}
	if u.GetStats().Dropped != 1 {
		t.Fatalf("cancelled send not counted: %+v", u.GetStats())
	}
}

func TestUpdatesSendWaitsForRoom(t *testing.T) {
	u := NewUpdates(1)
	u.TrySend(models.RawAccountUpdate{Address: "first"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-u.C
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !u.Send(ctx, models.RawAccountUpdate{Address: "second"}) {
		t.Fatalf("send should succeed once the reader drains")
	}
}

func TestUpdatesCloseIsIdempotent(t *testing.T) {
	u := NewUpdates(1)
	u.Close()
	u.Close()
	if _, ok := <-u.C; ok {
		t.Fatalf("channel should be closed")
	}
}
