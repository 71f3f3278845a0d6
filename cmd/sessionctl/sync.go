package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/septivank/vetsync-engine/internal/backendclient"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
)

// syncEngine opens the store and a sync engine against the configured
// backend. The caller closes the returned store.
func (e *env) syncEngine(ctx context.Context) (*syncer.Engine, *store.Store, error) {
	if err := e.load(); err != nil {
		return nil, nil, err
	}
	if e.cfg.Backend.URL == "" {
		return nil, nil, fmt.Errorf("--backend is required")
	}
	client, err := backendclient.New(e.cfg.Backend.URL, e.cfg.Service.DeviceID, e.cfg.Sync.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}
	st, err := e.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts := syncer.OptionsFromConfig(e.cfg.Service.DeviceID, e.cfg.Sync)
	opts.Logger = e.logger.Named("sync")
	return syncer.New(st, client, opts), st, nil
}

func newSyncCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and drive the sync queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle against the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			sy, st, err := e.syncEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := sy.RunSyncCycle(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"sealed: %d\nattempted: %d\nacknowledged: %d\nretrying: %d\nconflicted: %d\ndeferred: %d\nduration: %s\n",
				rep.Sealed, rep.Attempted, rep.Acknowledged, rep.Retrying, rep.Conflicted, rep.Deferred, rep.Duration)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Count sync records by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.SyncStatusCounts(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, status := range []domain.SyncStatus{domain.SyncPending, domain.SyncInFlight, domain.SyncAcknowledged, domain.SyncConflicted} {
				_, _ = fmt.Fprintf(out, "%s\t%d\n", status, counts[status])
			}
			return nil
		},
	})
	cmd.AddCommand(newSyncRecordsCmd(e))
	return cmd
}

func newSyncRecordsCmd(e *env) *cobra.Command {
	var (
		sessionID int64
		statuses  []string
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List sync records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.SyncFilter{SessionID: sessionID}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, domain.SyncStatus(s))
			}
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			n := 0
			for rec, err := range st.SyncRecords(ctx, filter) {
				if err != nil {
					return err
				}
				n++
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.IdempotencyKey(), rec.Status, rec.Attempts, rec.LastError)
			}
			if n == 0 {
				_, _ = fmt.Fprintln(out, "no sync records")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "only records of this session")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only records in these statuses")
	return cmd
}

func newResolveCmd(e *env) *cobra.Command {
	var (
		resolution string
		record     string
	)
	cmd := &cobra.Command{
		Use:   "resolve [session-id]",
		Short: "Settle a conflicted session or a single conflicted sync record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (record == "") == (len(args) == 0) {
				return fmt.Errorf("give either a session id or --record")
			}
			res := domain.Resolution(resolution)
			if !res.Valid() {
				return fmt.Errorf("unknown resolution %q (want keep_local, keep_remote or merge)", resolution)
			}
			var (
				sessionID int64
				recordID  uuid.UUID
				err       error
			)
			if record != "" {
				if recordID, err = uuid.Parse(record); err != nil {
					return fmt.Errorf("invalid sync record id %q", record)
				}
			} else if sessionID, err = parseSessionID(args[0]); err != nil {
				return err
			}

			ctx := context.Background()
			sy, st, err := e.syncEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if record != "" {
				rec, err := sy.ResolveRecord(ctx, recordID, res)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "record %s resolved with %s: %s\n", rec.IdempotencyKey(), res, rec.Status)
				return nil
			}
			r, err := sy.ResolveConflict(ctx, sessionID, res)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "session %d resolved with %s: local %s, remote %s, final %s (remote version %d, %d records)\n",
				r.SessionID, r.Resolution, r.LocalState, r.RemoteState, r.FinalState, r.RemoteVersion, r.Records)
			return nil
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", string(domain.ResolveMerge), "keep_local, keep_remote or merge")
	cmd.Flags().StringVar(&record, "record", "", "resolve only this sync record")
	return cmd
}
