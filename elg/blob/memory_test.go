package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemStoreRoundTrip(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	ref, err := st.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "blob:") {
		t.Errorf("ref = %q", ref)
	}

	got, err := st.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}
}

func TestMemStoreMissingRef(t *testing.T) {
	st := NewMemStore()
	if _, err := st.Get(context.Background(), "blob:missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMemStorePutCopiesData(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	data := []byte("abc")
	ref, _ := st.Put(ctx, data)
	data[0] = 'z'

	got, _ := st.Get(ctx, ref)
	if string(got) != "abc" {
		t.Errorf("stored data mutated: %q", got)
	}
}
