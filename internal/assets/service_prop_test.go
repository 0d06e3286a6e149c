package assets

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestListPagingProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, repo := newTestService(t)
		ctx := context.Background()
		scope := newScope(t, repo)
		foreign := newScope(t, repo)

		n := rapid.IntRange(0, 25).Draw(rt, "assets")
		for i := 0; i < n; i++ {
			mustCreate(t, svc, scope, fmt.Sprintf("asset-%02d", i))
		}
		mustCreate(t, svc, foreign, "asset-foreign")

		limit := rapid.IntRange(-2, 30).Draw(rt, "limit")
		offset := rapid.IntRange(-1, 10).Draw(rt, "offset")
		res := svc.List(ctx, scope, ListQuery{Offset: offset, Limit: limit})
		if !res.OK() {
			rt.Fatalf("list: %+v", res)
		}
		want := normalizePaging(ListQuery{Offset: offset, Limit: limit})
		if len(res.Data.Rows) > want.Limit {
			rt.Fatalf("page larger than limit: %d > %d", len(res.Data.Rows), want.Limit)
		}
		if res.Data.Total != int64(n) {
			rt.Fatalf("total=%d want %d", res.Data.Total, n)
		}

		// Walking every page visits every asset exactly once.
		seen := map[uuid.UUID]bool{}
		for page := 0; ; page++ {
			p := svc.List(ctx, scope, ListQuery{Offset: page, Limit: want.Limit})
			if len(p.Data.Rows) == 0 {
				break
			}
			for _, row := range p.Data.Rows {
				if seen[row.ID] {
					rt.Fatalf("asset %s returned twice", row.ID)
				}
				seen[row.ID] = true
			}
		}
		if len(seen) != n {
			rt.Fatalf("walked %d assets, want %d", len(seen), n)
		}
	})
}

func TestAddDeviceNeverDuplicatesKeys(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, repo := newTestService(t)
		ctx := context.Background()
		scope := newScope(t, repo)
		id := mustCreate(t, svc, scope, "Pump1")
		dev := uuid.New()

		keyGen := rapid.SampledFrom([]string{"", "a", "b", "c", " a", "temp"})
		refsGen := rapid.Custom(func(rt *rapid.T) []KeyRef {
			keys := rapid.SliceOfN(keyGen, 0, 6).Draw(rt, "keys")
			out := make([]KeyRef, 0, len(keys))
			for _, k := range keys {
				out = append(out, KeyRef{KeyName: k})
			}
			return out
		})

		want := map[string]bool{}
		calls := rapid.IntRange(1, 4).Draw(rt, "calls")
		for i := 0; i < calls; i++ {
			attrs := refsGen.Draw(rt, "attrs")
			temps := refsGen.Draw(rt, "temps")
			if res := svc.AddDevice(ctx, scope, id, dev, attrs, temps); !res.OK() {
				rt.Fatalf("add device: %+v", res)
			}
			for _, r := range attrs {
				if k := strings.TrimSpace(r.KeyName); k != "" {
					want["attr/"+k] = true
				}
			}
			for _, r := range temps {
				if k := strings.TrimSpace(r.KeyName); k != "" {
					want["temp/"+k] = true
				}
			}
		}

		rels, err := repo.ListRelations(ctx, scope, id)
		if err != nil {
			rt.Fatalf("list relations: %v", err)
		}
		if len(rels) != len(want) {
			rt.Fatalf("got %d relations, want %d", len(rels), len(want))
		}
	})
}
