package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testDB runs the shared suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := db.Get([]byte("nonexistent")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() missing key: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))
		if ok, err := db.Has([]byte("exists")); err != nil || !ok {
			t.Errorf("Has(existing) = %v, %v", ok, err)
		}
		if ok, err := db.Has([]byte("missing")); err != nil || ok {
			t.Errorf("Has(missing) = %v, %v", ok, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("gone"), []byte("x"))
		if err := db.Delete([]byte("gone")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := db.Has([]byte("gone")); ok {
			t.Error("key still present after Delete")
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		for _, k := range []string{"p/3", "p/1", "p/2", "q/1"} {
			db.Put([]byte(k), []byte(k))
		}
		var got []string
		err := db.ForEach([]byte("p/"), func(key, value []byte) error {
			got = append(got, string(key))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		want := []string{"p/1", "p/2", "p/3"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("ForEach keys = %v, want %v", got, want)
		}
	})

	t.Run("ForEachStop", func(t *testing.T) {
		stop := errors.New("stop")
		n := 0
		err := db.ForEach([]byte("p/"), func(_, _ []byte) error {
			n++
			return stop
		})
		if !errors.Is(err, stop) || n != 1 {
			t.Errorf("ForEach stop: err=%v n=%d", err, n)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		batcher, ok := db.(Batcher)
		if !ok {
			t.Skip("no batch support")
		}
		db.Put([]byte("b/old"), []byte("x"))
		b := batcher.NewBatch()
		b.Put([]byte("b/1"), []byte("one"))
		b.Put([]byte("b/2"), []byte("two"))
		b.Delete([]byte("b/old"))
		if ok, _ := db.Has([]byte("b/1")); ok {
			t.Error("batch write visible before Commit")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
		if v, _ := db.Get([]byte("b/2")); !bytes.Equal(v, []byte("two")) {
			t.Errorf("b/2 = %q", v)
		}
		if ok, _ := db.Has([]byte("b/old")); ok {
			t.Error("batched delete not applied")
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestMemoryDB_ValueIsolation(t *testing.T) {
	db := NewMemory()
	v := []byte("abc")
	db.Put([]byte("k"), v)
	v[0] = 'x'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller slice: %q", got)
	}
}

func TestMemoryDB_Concurrent(t *testing.T) {
	db := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := []byte(fmt.Sprintf("%d/%d", i, j))
				db.Put(k, k)
				db.Get(k)
			}
		}(i)
	}
	wg.Wait()
	n := 0
	db.ForEach(nil, func(_, _ []byte) error { n++; return nil })
	if n != 800 {
		t.Errorf("keys = %d, want 800", n)
	}
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("persist"), []byte("data"))
	db1.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(val, []byte("data")) {
		t.Errorf("persisted value = %q, want %q", val, "data")
	}
}
