package connection

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func newFakeStreams() Streams {
	return &closableBuffer{Buffer: &bytes.Buffer{}}
}

type closableBuffer struct {
	*bytes.Buffer
}

func (c *closableBuffer) Close() error { return nil }

var _ io.ReadWriteCloser = (*closableBuffer)(nil)

type recordingNotifier struct {
	added, removed []uint64
}

func (n *recordingNotifier) ConnectionAdded(c *Connection)   { n.added = append(n.added, c.ID()) }
func (n *recordingNotifier) ConnectionRemoved(c *Connection) { n.removed = append(n.removed, c.ID()) }

func TestManagerInsertRemoveAndLookup(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager(2, notifier)

	s1 := newFakeStreams()
	c1 := New(context.Background(), s1, 0x80000000, 8)
	if err := m.Insert(c1, s1); err != nil {
		t.Fatalf("Insert c1: %v", err)
	}

	if got, ok := m.ByStream(s1); !ok || got != c1 {
		t.Fatalf("ByStream did not find c1")
	}
	if got, ok := m.ByID(c1.ID()); !ok || got != c1 {
		t.Fatalf("ByID did not find c1")
	}

	if _, ok := m.Remove(c1.ID()); !ok {
		t.Fatalf("Remove did not find c1")
	}
	if _, ok := m.ByID(c1.ID()); ok {
		t.Fatalf("c1 still present after Remove")
	}

	if len(notifier.added) != 1 || len(notifier.removed) != 1 {
		t.Fatalf("notifier calls = added:%v removed:%v", notifier.added, notifier.removed)
	}
}

func TestManagerEnforcesConnectionLimit(t *testing.T) {
	m := NewManager(1, nil)
	s1 := newFakeStreams()
	c1 := New(context.Background(), s1, 0x80000000, 8)
	if err := m.Insert(c1, s1); err != nil {
		t.Fatalf("Insert c1: %v", err)
	}

	s2 := newFakeStreams()
	c2 := New(context.Background(), s2, 0x80010000, 8)
	if err := m.Insert(c2, s2); err != ErrConnectionLimit {
		t.Fatalf("Insert c2 err = %v, want ErrConnectionLimit", err)
	}
}
