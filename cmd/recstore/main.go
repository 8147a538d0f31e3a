// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command recstore is a small driver/inspection tool for a record store
// database file: schema bootstrap, document ingest and outbox inspection.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-recstore/recstore"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "recstore",
		Short:         "Offline-first client/event record store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "recstore.db", "path to the database file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), putClientCmd(), putEventCmd(), pullCmd(), outboxCmd(), markSyncedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openStore() (*recstore.Store, error) {
	return recstore.Open(dbPath)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database schema and device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			deviceID, err := recstore.EnsureDeviceID(store.DB)
			if err != nil {
				return err
			}
			fmt.Printf("initialized %s (device %s)\n", dbPath, deviceID)
			return nil
		},
	}
}

// readDocument reads one JSON object from a file argument or stdin.
func readDocument(args []string) (recstore.Document, error) {
	var data []byte
	var err error
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, err
	}
	return recstore.ParseDocument(data)
}

func readDocuments(path string) ([]recstore.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []recstore.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse payload array: %w", err)
	}
	return docs, nil
}

func putClientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put-client [file]",
		Short: "Upsert a locally authored client document (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args)
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			outcome, err := store.AddOrUpdateClient(cmd.Context(), doc)
			if err != nil {
				return err
			}
			if outcome.Kind == recstore.OutcomeRejected {
				return outcome.Err
			}
			fmt.Printf("%s client %s\n", outcome.Kind, outcome.Key)
			return nil
		},
	}
}

func putEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put-event [file]",
		Short: "Upsert a locally authored event document (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args)
			if err != nil {
				return err
			}
			if !doc.Has("formSubmissionId") {
				doc["formSubmissionId"] = recstore.NewFormSubmissionID()
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			outcome, err := store.AddEvent(cmd.Context(), doc)
			if err != nil {
				return err
			}
			if outcome.Kind == recstore.OutcomeRejected {
				return outcome.Err
			}
			fmt.Printf("%s event %s\n", outcome.Kind, outcome.Key)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "pull <payload.json>",
		Short: "Ingest a server payload (JSON array of documents)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(args[0])
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var result *recstore.BatchResult
			switch kind {
			case "client":
				result, err = store.BatchInsertClients(cmd.Context(), docs)
			case "event":
				result, err = store.BatchInsertEvents(cmd.Context(), docs)
			default:
				return fmt.Errorf("unknown kind %q (want client or event)", kind)
			}
			if err != nil {
				return err
			}
			fmt.Printf("attempted %d: %d inserted, %d updated, %d rejected\n",
				result.Attempted, result.Inserted(), result.Updated(), result.Rejected())
			if kind == "event" {
				minV, maxV := recstore.MinMaxServerVersions(docs)
				fmt.Printf("server versions: min %d, max %d\n", minV, maxV)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "event", "payload kind: client or event")
	return cmd
}

func outboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Print pending (unsynced) clients and events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			clients, events, err := store.UnsyncedEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			payload := map[string]any{}
			if len(clients) > 0 {
				payload["clients"] = clients
			}
			if len(events) > 0 {
				payload["events"] = events
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 250, "maximum number of events to drain")
	return cmd
}

func markSyncedCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "mark-synced <key>...",
		Short: "Mark records as acknowledged by the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, key := range args {
				switch table {
				case "client":
					err = store.MarkClientSynced(cmd.Context(), key)
				case "event":
					err = store.MarkEventSynced(cmd.Context(), key)
				default:
					return fmt.Errorf("unknown table %q (want client or event)", table)
				}
				if err != nil {
					return err
				}
			}
			fmt.Printf("marked %d %s record(s) synced\n", len(args), table)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "event", "record table: client or event")
	return cmd
}
