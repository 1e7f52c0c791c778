// Package internal hosts the operator-side inspector: a small HTML view
// over a gateway's badger keyspace, for poking at replay envelopes, the
// chat archive and the user directory on a live or offline node.
package internal

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"crewlink/domain"
	"crewlink/domain/event"
)

//go:embed inspect.html
var templatesFS embed.FS

const rowCap = 500

type InspectRow struct {
	Key    string
	Kind   string
	At     string
	Ref    string
	Detail string
}

// StatsProvider feeds the dashboard header; the gateway plugs the latest
// metrics snapshot in here.
type StatsProvider func() map[string]any

type PageData struct {
	Prefix   string
	Prefixes []string
	Items    []InspectRow
	Stats    map[string]any
}

// Prefixes an operator can browse. Matches the repositories' key schemes.
var knownPrefixes = []string{"evt:", "msg:", "usr:", "eml:", "mbr:"}

// StartInspector serves the keyspace browser on addr in the background.
// Read-only against the DB; closing the returned server stops it.
func StartInspector(log *slog.Logger, db *badger.DB, addr string, stats StatsProvider) *http.Server {
	mux := http.NewServeMux()
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))

	mux.HandleFunc("/inspect", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "evt:"
		}

		data := PageData{
			Prefix:   prefix,
			Prefixes: knownPrefixes,
			Stats:    make(map[string]any),
		}
		if stats != nil {
			data.Stats = stats()
		}

		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				if len(data.Items) >= rowCap {
					break
				}
				item := it.Item()
				_ = item.Value(func(val []byte) error {
					data.Items = append(data.Items, mapRow(string(item.Key()), val))
					return nil
				})
			}
			return nil
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			log.Warn("Inspector render failed", "error", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("Inspector listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("Inspector stopped", "error", err)
		}
	}()
	return srv
}

// mapRow renders one key/value pair according to its key family.
func mapRow(key string, val []byte) InspectRow {
	switch {
	case strings.HasPrefix(key, "evt:"):
		var env event.Envelope
		if err := json.Unmarshal(val, &env); err == nil {
			return InspectRow{
				Key:    key,
				Kind:   "envelope",
				At:     env.PublishedAt.Format("15:04:05.000"),
				Ref:    string(env.Room),
				Detail: fmt.Sprintf("%s from %s", env.Event.Type, env.OriginNode),
			}
		}
	case strings.HasPrefix(key, "msg:"):
		var rec domain.ChatRecord
		if err := json.Unmarshal(val, &rec); err == nil {
			return InspectRow{
				Key:    key,
				Kind:   "chat",
				At:     rec.SentAt.Format("15:04:05.000"),
				Ref:    rec.Channel,
				Detail: fmt.Sprintf("%s: %s", rec.UserID, snippet(rec.Content, 60)),
			}
		}
	case strings.HasPrefix(key, "usr:"):
		var rec struct {
			Email  string   `json:"email"`
			OrgID  string   `json:"org_id"`
			Roles  []string `json:"roles"`
			Active bool     `json:"active"`
		}
		if err := json.Unmarshal(val, &rec); err == nil {
			return InspectRow{
				Key:    key,
				Kind:   "user",
				Ref:    rec.Email,
				Detail: fmt.Sprintf("org=%s roles=%v active=%t", rec.OrgID, rec.Roles, rec.Active),
			}
		}
	case strings.HasPrefix(key, "eml:"):
		return InspectRow{Key: key, Kind: "email index", Ref: strings.TrimPrefix(key, "eml:"), Detail: string(val)}
	case strings.HasPrefix(key, "mbr:"):
		return InspectRow{Key: key, Kind: "memberships", Ref: strings.TrimPrefix(key, "mbr:"), Detail: snippet(string(val), 80)}
	}
	return InspectRow{Key: key, Kind: "raw", Detail: fmt.Sprintf("%d bytes", len(val))}
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
