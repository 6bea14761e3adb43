package service_test

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/storage/collection"
)

// TestStoreScenarios runs the command scripts under testdata. Views are
// named in scripts; "root" is predefined and names reset on reopen.
//
//	open [root-rank=<expr>]
//	reopen
//	new|update|modify key=<key>   (input: JSON ad)
//	destroy key=<key>
//	begin | commit | abort
//	lookup key=<key> [txn]
//	constraint-view name=<n> [parent=<n>] [rank=<expr>]   (input: constraint)
//	partition-view name=<n> [parent=<n>] [rank=<expr>] attrs=(<a>,...)
//	delete-view name=<n>
//	find-partition name=<n>   (input: JSON sample ad)
//	members name=<n>
//	iterate name=<n> [destroy-at=<key>]
//	query name=<n>   (input: constraint)
//	checkpoint
//	describe
func TestStoreScenarios(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "records.log")

		var (
			s        *testStore
			rootRank string
			views    map[string]collection.ID
		)
		open := func() {
			s = openTestStoreWith(t, logPath, func(cfg *service.StoreConfig) {
				cfg.RootRank = rootRank
			})
			views = map[string]collection.ID{"root": collection.RootID}
		}
		view := func(td *datadriven.TestData, arg string) collection.ID {
			var name string
			td.ScanArgs(t, arg, &name)
			id, ok := views[name]
			if !ok {
				td.Fatalf(t, "unknown view %q", name)
			}
			return id
		}
		parentOf := func(td *datadriven.TestData) collection.ID {
			if !td.HasArg("parent") {
				return collection.RootID
			}
			return view(td, "parent")
		}
		parseAd := func(td *datadriven.TestData) classad.Ad {
			input := strings.TrimSpace(td.Input)
			if input == "" {
				return classad.New(nil)
			}
			a, err := classad.Parse(input)
			if err != nil {
				td.Fatalf(t, "bad ad: %v", err)
			}
			return a
		}
		result := func(err error) string {
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return "ok"
		}

		datadriven.RunTest(t, path, func(t *testing.T, td *datadriven.TestData) string {
			switch td.Cmd {
			case "open":
				td.MaybeScanArgs(t, "root-rank", &rootRank)
				open()
				return fmt.Sprintf("records=%d", s.Len())

			case "reopen":
				if err := s.Close(); err != nil {
					return result(err)
				}
				open()
				r := s.Replay()
				return fmt.Sprintf("records=%d applied=%d transactions=%d aborted=%d",
					s.Len(), r.Applied, r.Transactions, r.AbortedEntries)

			case "new", "update", "modify":
				var key string
				td.ScanArgs(t, "key", &key)
				a := parseAd(td)
				switch td.Cmd {
				case "new":
					return result(s.NewRecord(key, a))
				case "update":
					return result(s.UpdateRecord(key, a))
				default:
					return result(s.ModifyRecord(key, a))
				}

			case "destroy":
				var key string
				td.ScanArgs(t, "key", &key)
				return result(s.DestroyRecord(key))

			case "begin":
				return result(s.BeginTransaction())

			case "commit":
				return result(s.CommitTransaction())

			case "abort":
				return fmt.Sprintf("%t", s.AbortTransaction())

			case "lookup":
				var key string
				td.ScanArgs(t, "key", &key)
				lookup := s.Lookup
				if td.HasArg("txn") {
					lookup = s.LookupInTransaction
				}
				a, ok := lookup(key)
				if !ok {
					return "not found"
				}
				return a.String()

			case "constraint-view", "partition-view":
				var name, rank string
				td.ScanArgs(t, "name", &name)
				td.MaybeScanArgs(t, "rank", &rank)
				parent := parentOf(td)

				var (
					id  collection.ID
					err error
				)
				if td.Cmd == "constraint-view" {
					id, err = s.CreateConstraintView(parent, rank, strings.TrimSpace(td.Input))
				} else {
					var attrs []string
					td.ScanArgs(t, "attrs", &attrs)
					id, err = s.CreatePartitionView(parent, rank, attrs)
				}
				if err != nil {
					return result(err)
				}
				views[name] = id
				size, _ := s.ViewSize(id)
				return fmt.Sprintf("id=%d size=%d", id, size)

			case "delete-view":
				return fmt.Sprintf("%t", s.DeleteView(view(td, "name")))

			case "find-partition":
				id, ok := s.FindPartitionFor(view(td, "name"), parseAd(td))
				if !ok {
					return "none"
				}
				return fmt.Sprintf("id=%d", id)

			case "members":
				members, ok := s.ViewMembers(view(td, "name"), 0)
				if !ok {
					return "view not found"
				}
				var b strings.Builder
				for _, m := range members {
					fmt.Fprintf(&b, "%s %g\n", m.Key, m.Rank)
				}
				return b.String()

			case "iterate":
				it, ok := s.OpenContentIterator(view(td, "name"))
				if !ok {
					return "view not found"
				}
				defer it.Close()
				var destroyAt string
				td.MaybeScanArgs(t, "destroy-at", &destroyAt)

				var b strings.Builder
				for it.Next() {
					key, _ := it.Current()
					b.WriteString(key)
					if key == destroyAt {
						if err := s.DestroyRecord(key); err != nil {
							return result(err)
						}
						fmt.Fprintf(&b, " (destroyed, %s)", it.State())
					}
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%s\n", it.State())
				return b.String()

			case "query":
				it, err := s.OpenQueryIterator(view(td, "name"), strings.TrimSpace(td.Input))
				if err != nil {
					return result(err)
				}
				defer it.Close()
				var b strings.Builder
				for it.Next() {
					key, _ := it.Current()
					b.WriteString(key)
					b.WriteByte('\n')
				}
				return b.String()

			case "checkpoint":
				ok, err := s.Checkpoint()
				if err != nil {
					return result(err)
				}
				return fmt.Sprintf("%t sequence=%d", ok, s.Stats().Sequence)

			case "describe":
				var b strings.Builder
				for _, v := range s.Describe() {
					fmt.Fprintf(&b, "%d %s parent=%d size=%d", v.ID, v.Kind, v.Parent, v.Size)
					if v.Filter != "" {
						fmt.Fprintf(&b, " filter=(%s)", v.Filter)
					}
					if len(v.Attrs) > 0 {
						fmt.Fprintf(&b, " attrs=%s", strings.Join(v.Attrs, ","))
					}
					if v.Tuple != "" {
						fmt.Fprintf(&b, " tuple=%s", v.Tuple)
					}
					b.WriteByte('\n')
				}
				return b.String()

			default:
				return fmt.Sprintf("unknown command: %s", td.Cmd)
			}
		})
	})
}
