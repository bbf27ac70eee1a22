package host

import (
	"testing"
	"time"

	coral "github.com/coralshell/coral"
	"github.com/google/uuid"
)

func TestCachePinUnpin(t *testing.T) {
	gc := NewGc(time.Hour, nil)
	defer gc.Stop()
	cache := NewCustomValueCache(gc)

	pinned := func() bool {
		gc.mu.Lock()
		defer gc.mu.Unlock()
		return gc.cachePinned
	}

	a := coral.CustomValue{Name: "a", ID: uuid.New()}
	b := coral.CustomValue{Name: "b", ID: uuid.New()}

	if pinned() {
		t.Fatal("pinned before any insert")
	}
	cache.Insert(a)
	if !pinned() {
		t.Fatal("first insert did not pin")
	}
	cache.Insert(b)

	cache.Remove(a.ID)
	if !pinned() {
		t.Fatal("unpinned while entries remain")
	}
	cache.Remove(b.ID)
	if pinned() {
		t.Fatal("still pinned after cache emptied")
	}
}

func TestCacheGetAndMissingRemove(t *testing.T) {
	cache := NewCustomValueCache(nil)

	cv := coral.CustomValue{Name: "x", ID: uuid.New(), Data: []byte{1, 2}}
	cache.Insert(cv)

	got, ok := cache.Get(cv.ID)
	if !ok || got.Name != "x" {
		t.Errorf("Get mismatch: %+v %v", got, ok)
	}
	if _, ok := cache.Remove(uuid.New()); ok {
		t.Error("removing a missing id reported success")
	}
	if cache.Len() != 1 {
		t.Errorf("unexpected len %d", cache.Len())
	}
}

func TestCacheClearUnpins(t *testing.T) {
	gc := NewGc(time.Hour, nil)
	defer gc.Stop()
	cache := NewCustomValueCache(gc)

	cache.Insert(coral.CustomValue{Name: "a", ID: uuid.New()})
	cache.Insert(coral.CustomValue{Name: "b", ID: uuid.New()})
	cache.Clear()

	gc.mu.Lock()
	pinned := gc.cachePinned
	gc.mu.Unlock()
	if pinned || cache.Len() != 0 {
		t.Error("clear did not empty and unpin")
	}
}
