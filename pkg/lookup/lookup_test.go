package lookup

import (
	"context"
	"errors"
	"testing"

	"prevaldb/pkg/store"
)

func TestPrefixBadInput(t *testing.T) {
	s := New(store.NewMemory())
	for _, p := range []string{"", "21BD", "21BD12", "ZZZZZ"} {
		if _, err := s.Prefix(context.Background(), p); !errors.Is(err, ErrBadPrefix) {
			t.Fatalf("prefix %q: want ErrBadPrefix, got %v", p, err)
		}
	}
}

func TestPrefixUnknown(t *testing.T) {
	s := New(store.NewMemory())
	if _, err := s.Prefix(context.Background(), "21BD1"); !errors.Is(err, ErrUnknownPrefix) {
		t.Fatalf("want ErrUnknownPrefix, got %v", err)
	}
}

func TestPrefixServesVerbatim(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	if err := m.Provision(ctx, "21BD1"); err != nil {
		t.Fatal(err)
	}
	f, _ := m.ReadFile(ctx, "21BD1")
	// content with a deliberately odd line: lookup must not re-encode
	content := []byte("2DC183F740EE76F27B78EB39C8AD972A757:5\nlegacy-garbage-line\n")
	if err := m.WriteFileIf(ctx, "21BD1", content, f.Version); err != nil {
		t.Fatal(err)
	}

	svc := New(m)
	res, err := svc.Prefix(ctx, "21bd1") // lowercase input
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(res.Content) != string(content) {
		t.Fatalf("content not served verbatim: %q", res.Content)
	}
	if res.Modified.IsZero() {
		t.Fatal("modified time missing")
	}
}
