package xid

import (
	"strings"
	"testing"
)

func TestNewCarriesPrefix(t *testing.T) {
	id := New("ord")
	if !strings.HasPrefix(id, "ord-") {
		t.Fatalf("expected ord- prefix, got %s", id)
	}
	if len(id) < len("ord-")+13 {
		t.Fatalf("id %s too short", id)
	}
}

func TestNewDoesNotCollide(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New("ctx")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
