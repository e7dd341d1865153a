package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoad_embedded(t *testing.T) {
	ms, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 || ms[0].Version != 1 || ms[0].Name != "001_ledger" {
		t.Fatalf("unexpected migrations %+v", ms)
	}
	if !strings.Contains(ms[0].Up, "ledger_revisions") || ms[0].Down == "" {
		t.Error("expected up and down scripts for 001_ledger")
	}
}

func TestLoad_ordersAndPairs(t *testing.T) {
	fsys := fstest.MapFS{
		"010_late.up.sql":    {Data: []byte("late up")},
		"002_next.up.sql":    {Data: []byte("next up")},
		"002_next.down.sql":  {Data: []byte("next down")},
		"001_first.up.sql":   {Data: []byte("first up")},
		"README.md":          {Data: []byte("ignored")},
		"001_first.down.sql": {Data: []byte("first down")},
	}
	ms, err := load(fsys)
	if err != nil {
		t.Fatal(err)
	}

	want := []int64{1, 2, 10}
	if len(ms) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(ms))
	}
	for i, v := range want {
		if ms[i].Version != v {
			t.Errorf("migration %d: version %d, want %d", i, ms[i].Version, v)
		}
	}
	if ms[1].Up != "next up" || ms[1].Down != "next down" {
		t.Errorf("scripts not paired: %+v", ms[1])
	}
	if ms[2].Down != "" {
		t.Errorf("expected no down script for 010_late")
	}
}

func TestLoad_rejects(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"down without up": {"001_x.down.sql": {Data: []byte("x")}},
		"bad prefix":      {"abc_x.up.sql": {Data: []byte("x")}},
		"no underscore":   {"001.up.sql": {Data: []byte("x")}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(fsys); err == nil {
				t.Error("expected error")
			}
		})
	}
}
