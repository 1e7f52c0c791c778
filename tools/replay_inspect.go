package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"crewlink/domain/event"
)

// Dumps the replay buffer of a gateway data directory: which envelopes
// each room retains, in store order. Read-only; safe against a running
// node thanks to the lock guard bypass.
func main() {
	dbPath := flag.String("db", "./data/crewlink", "Path to badger DB")
	room := flag.String("room", "", "Only this room (e.g. channel:general)")
	limit := flag.Int("limit", 200, "Maximum envelopes to print")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	prefix := "evt:"
	if *room != "" {
		prefix = fmt.Sprintf("evt:%s:", *room)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Room", "Published", "Type", "Origin", "Event ID"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	total := 0
	undecodable := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if total >= *limit {
				break
			}
			item := it.Item()

			err := item.Value(func(v []byte) error {
				var env event.Envelope
				if err := json.Unmarshal(v, &env); err != nil {
					undecodable++
					fmt.Printf("Error unmarshaling key %s: %v\n", string(item.Key()), err)
					return nil
				}

				displayID := env.Event.ID
				if len(displayID) > 8 {
					displayID = displayID[:8]
				}

				table.Append([]string{
					string(env.Room),
					env.PublishedAt.Format("15:04:05.000"),
					string(env.Event.Type),
					env.OriginNode,
					displayID,
				})
				total++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()

	summary := fmt.Sprintf("%d envelope(s)", total)
	if *room != "" {
		summary += fmt.Sprintf(" in %s", *room)
	}
	if undecodable > 0 {
		summary += fmt.Sprintf(", %d undecodable", undecodable)
	}
	color.New(color.FgGreen).Println(summary)
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		// If the value log needs a truncate, open once in write mode to
		// repair, then reopen read-only.
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}

			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
