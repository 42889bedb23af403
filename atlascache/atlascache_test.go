package atlascache

import (
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevecastle/gazefield/atlas"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("abc", -15, 3); got != "atlas:abc:px-15_py3" {
		t.Errorf("CacheKey = %q", got)
	}
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		name           string
		min, max, step int
		wantErr        bool
	}{
		{"default", -15, 15, 3, false},
		{"narrow", -6, 6, 2, false},
		{"min too low", -16, 15, 3, true},
		{"max too high", -15, 16, 3, true},
		{"min equals max", 3, 3, 1, true},
		{"inverted", 6, -6, 3, true},
		{"zero step", -15, 15, 0, true},
		{"negative step", -15, 15, -3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSpec(tt.min, tt.max, tt.step, DefaultAngleLimit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRange) {
				t.Errorf("err = %v; want ErrInvalidRange", err)
			}
		})
	}
}

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"sqlite": newSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
				t.Fatalf("empty Get = %v, %v", ok, err)
			}
			e := Entry{ImageURL: "https://x/1.webp", PX: 3, PY: -3, Timestamp: 42, ImageHash: "h"}
			if err := s.Set(ctx, "k", e, time.Hour); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok, err := s.Get(ctx, "k")
			if err != nil || !ok || got != e {
				t.Fatalf("Get = %+v, %v, %v", got, ok, err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "k"); ok {
				t.Error("entry survived Delete")
			}
		})
	}
}

func TestStoresExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	sq := newSQLiteStore(t)
	sq.now = clock
	mem := NewMemoryStore()
	mem.now = clock

	for name, s := range map[string]Store{"sqlite": sq, "memory": mem} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Set(ctx, "k", Entry{ImageURL: "u"}, time.Minute)
			now = now.Add(2 * time.Minute)
			defer func() { now = time.Unix(1_700_000_000, 0) }()
			if _, ok, _ := s.Get(ctx, "k"); ok {
				t.Error("expired entry returned")
			}
		})
	}
}

func TestSQLiteStorePurge(t *testing.T) {
	s := newSQLiteStore(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	s.Set(ctx, "a", Entry{ImageURL: "a"}, time.Minute)
	s.Set(ctx, "b", Entry{ImageURL: "b"}, time.Hour)
	now = now.Add(10 * time.Minute)

	n, err := s.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v; want 1", n, err)
	}
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Error("live entry purged")
	}
}

// Scenario: a portrait with no generated images yet.
func TestStatusEmptyCache(t *testing.T) {
	ix := NewIndex(newSQLiteStore(t), nil, 0)
	st, err := ix.Status(context.Background(), "fp", atlas.GridSpec{Min: -15, Max: 15, Step: 3})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Total != 121 || st.Cached != 0 || len(st.Missing) != 121 || len(st.Found) != 0 {
		t.Fatalf("Status = total %d cached %d missing %d found %d", st.Total, st.Cached, len(st.Missing), len(st.Found))
	}
	first := st.Missing[0]
	if first.PX != -15 || first.PY != -15 || first.Key != "atlas:fp:px-15_py-15" {
		t.Errorf("first missing = %+v", first)
	}
	if second := st.Missing[1]; second.PX != -15 || second.PY != -12 {
		t.Errorf("lattice should iterate py fastest, got %+v", second)
	}
}

func TestStatusPartitionsAndIsStable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ix := NewIndex(NewMemoryStore(), NewHTTPProber(nil), time.Hour)
	ctx := context.Background()
	g := atlas.GridSpec{Min: -6, Max: 6, Step: 3}
	ix.Set(ctx, "fp", atlas.Coord{PX: 0, PY: 0}, srv.URL+"/c.webp")
	ix.Set(ctx, "fp", atlas.Coord{PX: 6, PY: -3}, srv.URL+"/r.webp")
	ix.Set(ctx, "other", atlas.Coord{PX: 3, PY: 3}, srv.URL+"/o.webp")

	a, err := ix.Status(ctx, "fp", g)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ix.Status(ctx, "fp", g)
	if err != nil {
		t.Fatal(err)
	}
	if a.Total != 25 || a.Cached != 2 || len(a.Missing) != 23 {
		t.Fatalf("Status = %+v", a)
	}
	if a.Cached != b.Cached || len(a.Found) != len(b.Found) {
		t.Fatalf("second Status differs: %d vs %d", a.Cached, b.Cached)
	}
	for i := range a.Found {
		if a.Found[i] != b.Found[i] {
			t.Errorf("Found[%d] = %+v then %+v", i, a.Found[i], b.Found[i])
		}
	}
	if a.Found[0].URL != srv.URL+"/c.webp" || a.Found[1].PX != 6 {
		t.Errorf("Found = %+v", a.Found)
	}
}

func TestGetEvictsDeadReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.webp" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ix := NewIndex(store, NewHTTPProber(nil), time.Hour)
	ctx := context.Background()
	c := atlas.Coord{PX: 3, PY: 0}
	ix.Set(ctx, "fp", c, srv.URL+"/gone.webp")

	if _, ok := ix.Get(ctx, "fp", c); ok {
		t.Fatal("dead reference served")
	}
	if store.Len() != 0 {
		t.Error("dead entry not evicted")
	}

	ix.Set(ctx, "fp", c, srv.URL+"/ok.webp")
	if ref, ok := ix.Get(ctx, "fp", c); !ok || ref != srv.URL+"/ok.webp" {
		t.Errorf("Get = %q, %v", ref, ok)
	}
}

func TestGetEvictsOnProbeError(t *testing.T) {
	store := NewMemoryStore()
	probe := ProberFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("connection refused")
	})
	ix := NewIndex(store, probe, time.Hour)
	ctx := context.Background()
	ix.Set(ctx, "fp", atlas.Coord{}, "https://unreachable/x.webp")
	if _, ok := ix.Get(ctx, "fp", atlas.Coord{}); ok {
		t.Fatal("unreachable reference served")
	}
	if store.Len() != 0 {
		t.Error("entry not evicted after probe error")
	}
}

func TestStatusProbesEachReferenceOnce(t *testing.T) {
	var probes atomic.Int32
	probe := ProberFunc(func(context.Context, string) (bool, error) {
		probes.Add(1)
		return true, nil
	})
	ix := NewIndex(NewMemoryStore(), probe, time.Hour)
	ctx := context.Background()
	g := atlas.GridSpec{Min: -3, Max: 3, Step: 3}
	// Every coordinate points at the same shared image.
	for _, c := range g.Lattice() {
		ix.Set(ctx, "fp", c, "https://cdn/shared.webp")
	}
	st, err := ix.Status(ctx, "fp", g)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cached != 9 {
		t.Fatalf("Cached = %d; want 9", st.Cached)
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("probes = %d; want 1", n)
	}
}

type fakeObjects struct{ keys map[string]bool }

func (f fakeObjects) Exists(_ context.Context, key string) (bool, error) { return f.keys[key], nil }

func TestHTTPProberS3References(t *testing.T) {
	p := NewHTTPProber(fakeObjects{keys: map[string]bool{"atlas/fp/px0_py0.webp": true}})
	ctx := context.Background()
	if ok, err := p.Alive(ctx, "s3://bucket/atlas/fp/px0_py0.webp"); !ok || err != nil {
		t.Errorf("existing object = %v, %v", ok, err)
	}
	if ok, _ := p.Alive(ctx, "s3://bucket/atlas/fp/px3_py0.webp"); ok {
		t.Error("missing object reported alive")
	}
	if _, err := NewHTTPProber(nil).Alive(ctx, "s3://bucket/k"); err == nil {
		t.Error("expected error without object store")
	}
}

func TestStatusMany(t *testing.T) {
	ix := NewIndex(NewMemoryStore(), nil, time.Hour)
	ctx := context.Background()
	ix.Set(ctx, "fp", atlas.Coord{PX: 0, PY: 0}, "u")
	specs := []atlas.GridSpec{
		{Min: -15, Max: 15, Step: 3},
		{Min: -15, Max: 15, Step: 5},
		{Min: -6, Max: 6, Step: 6},
	}
	out, err := ix.StatusMany(ctx, "fp", specs)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{121, 49, 9}
	for i, st := range out {
		if st.Total != want[i] || st.Cached != 1 {
			t.Errorf("spec %d: total %d cached %d", i, st.Total, st.Cached)
		}
	}
}

func TestClearReturnsZero(t *testing.T) {
	ix := NewIndex(NewMemoryStore(), nil, time.Hour)
	if n := ix.Clear(context.Background(), "0123456789abcdef"); n != 0 {
		t.Errorf("Clear = %d", n)
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Set(context.Context, string, Entry, time.Duration) error {
	return errors.New("disk full")
}

func TestSetSwallowsStoreErrors(t *testing.T) {
	ix := NewIndex(failingStore{MemoryStore: NewMemoryStore()}, nil, time.Hour)
	ix.Set(context.Background(), "fp", atlas.Coord{}, "u")
}

func TestFingerprint(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 4, 3))
	b := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			c := color.NRGBA{uint8(x * 60), uint8(y * 80), 200, 255}
			a.Set(x, y, c)
			b.SetNRGBA(x, y, c)
		}
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("same opaque pixels in different image types hash differently")
	}
	if Fingerprint(b) != FingerprintPixels(b.Pix) {
		t.Error("Fingerprint should hash the tight pixel buffer")
	}
	b.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 255})
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("different pixels hash the same")
	}
	if len(Fingerprint(a)) != 64 {
		t.Errorf("fingerprint length = %d", len(Fingerprint(a)))
	}
}
