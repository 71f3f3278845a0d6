package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/telemetry/replay"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedSession stores a session that went through the first two steps of the
// workflow and was then cancelled.
func seedSession(t *testing.T, path string) int64 {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, path, nil)
	require.NoError(t, err)
	defer st.Close()

	at := time.Date(2026, 9, 14, 7, 30, 0, 0, time.UTC)
	sess, err := st.CreateSession(ctx, "dev-1", at)
	require.NoError(t, err)
	require.NoError(t, st.AssignCollar(ctx, sess.ID, "VC-1"))

	steps := []struct {
		from, to domain.State
		ev       domain.Event
	}{
		{domain.StatePetSelection, domain.StateCollarPairing, domain.EventSelectAnimal},
		{domain.StateCollarPairing, domain.StateBaselineCollection, domain.EventPairCollar},
		{domain.StateBaselineCollection, domain.StateCancelled, domain.EventCancel},
	}
	for i, s := range steps {
		require.NoError(t, st.AppendTransition(ctx, domain.Transition{
			SessionID: sess.ID,
			Seq:       i + 1,
			From:      s.from,
			To:        s.to,
			Event:     s.ev,
			Actor:     "dr.vega",
			Source:    domain.SourceLocal,
			At:        at.Add(time.Duration(i) * time.Minute),
		}))
	}
	return sess.ID
}

func TestListShowReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	seedSession(t, path)

	out, err := run(t, "--store", path, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1\tcancelled\t")
	assert.Contains(t, out, "VC-1")

	out, err = run(t, "--store", path, "list", "--state", "complete")
	require.NoError(t, err)
	assert.Equal(t, "no sessions\n", out)

	out, err = run(t, "--store", path, "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "state: cancelled")
	assert.Contains(t, out, "baseline_collection -> cancelled\tcancel")

	out, err = run(t, "--store", path, "show", "1", "--json")
	require.NoError(t, err)
	var rep sessionReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, domain.StateCancelled, rep.Session.State)
	assert.Len(t, rep.Transitions, 3)
	assert.Nil(t, rep.Baseline)

	out, err = run(t, "--store", path, "replay", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "state cancelled reconstructed from 3 transitions")
}

func TestShowUnknownSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	_, err := run(t, "--store", path, "show", "7")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = run(t, "--store", path, "show", "x")
	assert.EqualError(t, err, `invalid session id "x"`)
}

func TestSynthThenExtract(t *testing.T) {
	rec := filepath.Join(t.TempDir(), "rex.jsonl")

	out, err := run(t, "synth", "--duration", "20s", "--hr", "90", "--collar", "VC-3", "--out", rec)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 1000 frames")

	frames, err := replay.ReadFile(rec)
	require.NoError(t, err)
	require.Len(t, frames, 1000)
	assert.Equal(t, "VC-3", frames[0].CollarID)

	out, err = run(t, "extract", rec, "--species", "dog", "--weight", "24")
	require.NoError(t, err)
	assert.Contains(t, out, "frames: 1000")
	assert.Contains(t, out, "decode errors: 0")
}

func TestSyncStatusAndResolveFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	seedSession(t, path)

	out, err := run(t, "--store", path, "sync", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending\t0")
	assert.Contains(t, out, "conflicted\t0")

	_, err = run(t, "--store", path, "sync", "run")
	assert.EqualError(t, err, "--backend is required")

	_, err = run(t, "--store", path, "resolve", "1", "--resolution", "coin_flip")
	assert.ErrorContains(t, err, `unknown resolution "coin_flip"`)
}

func TestResolveSingleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	id := seedSession(t, path)

	ctx := context.Background()
	st, err := store.Open(ctx, path, nil)
	require.NoError(t, err)
	rec, _, err := st.InsertSyncRecord(ctx, domain.SyncRecord{
		SessionID: id, Kind: domain.KindSampleBatch, RangeFrom: 1, RangeTo: 2, Sealed: true,
		Status: domain.SyncConflicted, Attempts: 5, LastError: "gave up after 5 attempts",
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := run(t, "--store", path, "sync", "records", "--status", "conflicted")
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID.String()+"\t1:sample_batch:1-2\tconflicted\t5")

	backend := "http://127.0.0.1:9"
	out, err = run(t, "--store", path, "--backend", backend, "resolve", "--record", rec.ID.String(), "--resolution", "keep_remote")
	require.NoError(t, err)
	assert.Equal(t, "record 1:sample_batch:1-2 resolved with keep_remote: acknowledged\n", out)

	out, err = run(t, "--store", path, "sync", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged\t1")
	assert.Contains(t, out, "conflicted\t0")

	_, err = run(t, "--store", path, "--backend", backend, "resolve", "--record", rec.ID.String())
	assert.ErrorContains(t, err, "sync record is not conflicted")

	_, err = run(t, "--store", path, "--backend", backend, "resolve", "--record", "nope")
	assert.EqualError(t, err, `invalid sync record id "nope"`)

	_, err = run(t, "--store", path, "resolve")
	assert.EqualError(t, err, "give either a session id or --record")
}
