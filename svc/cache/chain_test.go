package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"hastypaste/pkg/domain"
	"hastypaste/svc/util"

	"github.com/rs/zerolog"
)

func testMeta(id string) *domain.PasteMeta {
	return &domain.PasteMeta{
		Version:    domain.MetaVersion,
		PasteID:    id,
		CreationDT: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		LexerName:  "go",
	}
}

func strPtr(s string) *string { return &s }

func mustLRU(t *testing.T, size int) *LRU {
	t.Helper()
	l, err := NewLRU(size)
	if err != nil {
		t.Fatalf("NewLRU(%d): %v", size, err)
	}
	return l
}

// countingLevel wraps a level and counts pushes per id.
type countingLevel struct {
	Level
	mu     sync.Mutex
	pushes map[string]int
}

func newCounting(l Level) *countingLevel {
	return &countingLevel{Level: l, pushes: make(map[string]int)}
}
func (c *countingLevel) Push(ctx context.Context, id string, f Fields) error {
	c.mu.Lock()
	c.pushes[id]++
	c.mu.Unlock()
	return c.Level.Push(ctx, id, f)
}
func (c *countingLevel) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[id]
}

// brokenLevel fails every operation.
type brokenLevel struct{}

var errBroken = errors.New("connection refused")

func (brokenLevel) Name() string                               { return "broken" }
func (brokenLevel) Push(context.Context, string, Fields) error { return errBroken }
func (brokenLevel) Remove(context.Context, string) error       { return errBroken }
func (brokenLevel) Rendered(context.Context, string) (string, bool, error) {
	return "", false, errBroken
}
func (brokenLevel) Raw(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBroken
}
func (brokenLevel) Meta(context.Context, string) (*domain.PasteMeta, bool, error) {
	return nil, false, errBroken
}

func TestChain_MergeInvariant(t *testing.T) {
	ctx := context.Background()
	orders := [][]Fields{
		{{Meta: testMeta("abcdef")}, {HTML: strPtr("<b>x</b>")}, {Raw: []byte("x")}},
		{{Raw: []byte("x")}, {HTML: strPtr("<b>x</b>")}, {Meta: testMeta("abcdef")}},
		{{HTML: strPtr("<b>x</b>")}, {Meta: testMeta("abcdef")}, {Raw: []byte("x")}},
	}
	for i, pushes := range orders {
		t.Run(fmt.Sprintf("order%d", i), func(t *testing.T) {
			c := NewChain(mustLRU(t, 4), mustLRU(t, 4))
			for _, f := range pushes {
				c.PushAny(ctx, "abcdef", f, true)
			}
			assertAll(t, c, "abcdef")
			assertAll(t, c.Fallback(), "abcdef")
		})
	}
}

func assertAll(t *testing.T, c *Chain, id string) {
	t.Helper()
	m, ok := c.GetMeta(context.Background(), id)
	if !ok || m.PasteID != id {
		t.Errorf("GetMeta = %v, %v", m, ok)
	}
	h, ok := c.GetRendered(context.Background(), id)
	if !ok || h != "<b>x</b>" {
		t.Errorf("GetRendered = %q, %v", h, ok)
	}
	r, ok := c.GetRaw(context.Background(), id)
	if !ok || string(r) != "x" {
		t.Errorf("GetRaw = %q, %v", r, ok)
	}
}

func TestChain_LatestValueWins(t *testing.T) {
	ctx := context.Background()
	c := NewChain(mustLRU(t, 4))
	c.PushAny(ctx, "abcdef", Fields{HTML: strPtr("one"), Raw: []byte("raw")}, true)
	c.PushAny(ctx, "abcdef", Fields{HTML: strPtr("two")}, true)
	if h, _ := c.GetRendered(ctx, "abcdef"); h != "two" {
		t.Errorf("GetRendered = %q, want two", h)
	}
	if r, _ := c.GetRaw(ctx, "abcdef"); string(r) != "raw" {
		t.Errorf("raw erased by unrelated push: %q", r)
	}
}

func TestLRU_Eviction(t *testing.T) {
	ctx := context.Background()
	const n, k = 5, 3
	l := mustLRU(t, n)
	for i := 0; i < n+k; i++ {
		_ = l.Push(ctx, fmt.Sprintf("id%03d", i), Fields{Raw: []byte("x")})
	}
	if l.Len() != n {
		t.Fatalf("Len = %d, want %d", l.Len(), n)
	}
	for i := 0; i < k; i++ {
		if l.Contains(fmt.Sprintf("id%03d", i)) {
			t.Errorf("id%03d should have been evicted", i)
		}
	}
	for i := k; i < n+k; i++ {
		if !l.Contains(fmt.Sprintf("id%03d", i)) {
			t.Errorf("id%03d should still be cached", i)
		}
	}
}

func TestLRU_ReadPromotes(t *testing.T) {
	ctx := context.Background()
	l := mustLRU(t, 3)
	for _, id := range []string{"aaa", "bbb", "ccc"} {
		_ = l.Push(ctx, id, Fields{Raw: []byte(id)})
	}
	if _, ok, _ := l.Raw(ctx, "aaa"); !ok {
		t.Fatal("aaa missing")
	}
	_ = l.Push(ctx, "ddd", Fields{Raw: []byte("ddd")})
	if !l.Contains("aaa") {
		t.Errorf("aaa was read last and should survive")
	}
	if l.Contains("bbb") {
		t.Errorf("bbb is least recently used and should be evicted")
	}
	want := []string{"ccc", "aaa", "ddd"}
	if got := l.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestLRU_WritePromotes(t *testing.T) {
	ctx := context.Background()
	l := mustLRU(t, 2)
	_ = l.Push(ctx, "aaa", Fields{Raw: []byte("a")})
	_ = l.Push(ctx, "bbb", Fields{Raw: []byte("b")})
	_ = l.Push(ctx, "aaa", Fields{HTML: strPtr("a")})
	_ = l.Push(ctx, "ccc", Fields{Raw: []byte("c")})
	if !l.Contains("aaa") || l.Contains("bbb") {
		t.Errorf("Keys = %v, want aaa kept and bbb evicted", l.Keys())
	}
	if r, ok, _ := l.Raw(ctx, "aaa"); !ok || string(r) != "a" {
		t.Errorf("merge lost raw on update: %q %v", r, ok)
	}
}

func TestLRU_EvictionIgnoresExpiry(t *testing.T) {
	ctx := context.Background()
	l := mustLRU(t, 2)
	expired := testMeta("old")
	past := time.Now().Add(-time.Hour)
	expired.ExpireDT = &past
	_ = l.Push(ctx, "hot", Fields{Meta: testMeta("hot")})
	_ = l.Push(ctx, "old", Fields{Meta: expired})
	if m, ok, _ := l.Meta(ctx, "old"); !ok || !m.IsExpired() {
		t.Fatalf("expired entry should still be served until removed")
	}
	_ = l.Push(ctx, "new", Fields{Meta: testMeta("new")})
	if l.Contains("hot") {
		t.Errorf("hot was least recently used and should be evicted")
	}
	if !l.Contains("old") {
		t.Errorf("expired but recently used entry should survive")
	}
}

func TestNewLRU_InvalidSize(t *testing.T) {
	for _, n := range []int{0, -1, maxLRUSize + 1} {
		if _, err := NewLRU(n); err == nil {
			t.Errorf("NewLRU(%d) should fail", n)
		}
	}
}

func TestChain_BackfillDoesNotPropagate(t *testing.T) {
	ctx := context.Background()
	l1 := newCounting(mustLRU(t, 4))
	l2 := newCounting(mustLRU(t, 4))
	c := NewChain(l1, l2)
	c.Fallback().PushAny(ctx, "abcdef", Fields{Meta: testMeta("abcdef")}, true)
	if l2.count("abcdef") != 1 {
		t.Fatalf("setup push count = %d", l2.count("abcdef"))
	}
	if _, ok, _ := l1.Meta(ctx, "abcdef"); ok {
		t.Fatal("L1 should start empty")
	}

	m, ok := c.GetMeta(ctx, "abcdef")
	if !ok || m.PasteID != "abcdef" {
		t.Fatalf("GetMeta = %v, %v", m, ok)
	}
	if got, ok, _ := l1.Meta(ctx, "abcdef"); !ok || got.PasteID != "abcdef" {
		t.Errorf("L1 was not backfilled")
	}
	if l2.count("abcdef") != 1 {
		t.Errorf("backfill wrote to L2 again: %d pushes", l2.count("abcdef"))
	}
}

func TestChain_BackfillThreeLevels(t *testing.T) {
	ctx := context.Background()
	l1, l2, l3 := mustLRU(t, 4), mustLRU(t, 4), mustLRU(t, 4)
	c := NewChain(l1, l2, l3)
	_ = l3.Push(ctx, "abcdef", Fields{Raw: []byte("deep")})
	if r, ok := c.GetRaw(ctx, "abcdef"); !ok || string(r) != "deep" {
		t.Fatalf("GetRaw = %q, %v", r, ok)
	}
	for i, l := range []*LRU{l1, l2} {
		if r, ok, _ := l.Raw(ctx, "abcdef"); !ok || string(r) != "deep" {
			t.Errorf("level %d not backfilled", i+1)
		}
	}
}

func TestChain_PushWithoutPropagate(t *testing.T) {
	ctx := context.Background()
	l1, l2 := mustLRU(t, 4), mustLRU(t, 4)
	c := NewChain(l1, l2)
	c.PushAny(ctx, "abcdef", Fields{HTML: strPtr("h")}, false)
	if _, ok, _ := l1.Rendered(ctx, "abcdef"); !ok {
		t.Errorf("head should hold the value")
	}
	if l2.Contains("abcdef") {
		t.Errorf("fallback should be untouched")
	}
}

func TestChain_RemovePropagates(t *testing.T) {
	ctx := context.Background()
	l1, l2 := mustLRU(t, 4), mustLRU(t, 4)
	c := NewChain(l1, l2)
	c.PushAny(ctx, "abcdef", Fields{Meta: testMeta("abcdef"), Raw: []byte("x")}, true)
	c.Remove(ctx, "abcdef")
	if l1.Contains("abcdef") || l2.Contains("abcdef") {
		t.Errorf("remove must reach every level")
	}
	if _, ok := c.GetMeta(ctx, "abcdef"); ok {
		t.Errorf("GetMeta after remove should miss")
	}
}

func TestChain_BrokenLevelDegrades(t *testing.T) {
	ctx := context.Background()
	l2 := mustLRU(t, 4)
	c := NewChain(brokenLevel{}, l2)
	c.PushAny(ctx, "abcdef", Fields{Meta: testMeta("abcdef")}, true)
	m, ok := c.GetMeta(ctx, "abcdef")
	if !ok || m.PasteID != "abcdef" {
		t.Errorf("a failing level must fall through: %v %v", m, ok)
	}
	c.Remove(ctx, "abcdef")
	if l2.Contains("abcdef") {
		t.Errorf("remove should continue past a failing level")
	}

	only := NewChain(brokenLevel{})
	if _, ok := only.GetRendered(ctx, "abcdef"); ok {
		t.Errorf("broken only level should read as a miss")
	}
}

func TestChain_FailureLogFields(t *testing.T) {
	var buf bytes.Buffer
	prev := util.SetLogger(zerolog.New(&buf))
	defer util.SetLogger(prev)

	c := NewChain(brokenLevel{})
	c.GetMeta(context.Background(), "abcdef")

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("cache failure was not logged")
	}
	if n := strings.Count(line, `"level":`); n != 1 {
		t.Errorf("log line has %d level keys: %s", n, line)
	}
	if !strings.Contains(line, `"cache_level":"broken"`) {
		t.Errorf("log line missing cache_level: %s", line)
	}
}

func TestChain_NoopAndEmpty(t *testing.T) {
	ctx := context.Background()
	for _, c := range []*Chain{NewChain(), NewChain(Noop{}), NewChain(nil)} {
		c.PushAny(ctx, "abcdef", Fields{Meta: testMeta("abcdef")}, true)
		if _, ok := c.GetMeta(ctx, "abcdef"); ok {
			t.Errorf("%v: expected miss", c.Names())
		}
		c.Remove(ctx, "abcdef")
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	l := mustLRU(t, 2)
	c := NewChain(Noop{}, l)
	_ = l.Push(ctx, "abcdef", Fields{Raw: []byte("y")})
	if r, ok := c.GetRaw(ctx, "abcdef"); !ok || string(r) != "y" {
		t.Errorf("noop should pass through to its fallback")
	}
	if c.Fallback().Head() != Level(l) {
		t.Errorf("Fallback head should be the LRU")
	}
	if NewChain(l).Fallback().Len() != 0 {
		t.Errorf("last level has no fallback")
	}
}

func TestChain_EmptyRawIsCached(t *testing.T) {
	ctx := context.Background()
	l1, l2 := mustLRU(t, 2), mustLRU(t, 2)
	c := NewChain(l1, l2)
	_ = l2.Push(ctx, "abcdef", Fields{Raw: []byte{}})
	r, ok := c.GetRaw(ctx, "abcdef")
	if !ok || len(r) != 0 {
		t.Fatalf("GetRaw = %q, %v", r, ok)
	}
	if _, ok, _ := l1.Raw(ctx, "abcdef"); !ok {
		t.Errorf("empty content should still be backfilled")
	}
}

func TestLRU_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewChain(mustLRU(t, 16))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("id%02d", i%32)
				if g%2 == 0 {
					c.PushAny(ctx, id, Fields{HTML: strPtr(id)}, true)
				} else {
					c.PushAny(ctx, id, Fields{Raw: []byte(id)}, true)
				}
				c.GetRendered(ctx, id)
			}
		}(g)
	}
	wg.Wait()
}
