package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/tools/timeparser"
)

func newListCmd(e *env) *cobra.Command {
	var since, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			var from time.Time
			if since != "" {
				t, err := timeparser.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				from = t
			}
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			n := 0
			for _, s := range sessions {
				if s.StartedAt.Before(from) || (state != "" && string(s.State) != state) {
					continue
				}
				n++
				flag := ""
				if s.Conflicted {
					flag = "conflicted"
				}
				_, _ = fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.State, s.StartedAt.Local().Format("2006-01-02 15:04:05"), dash(s.CollarID), dash(animalLabel(s)), flag)
			}
			if n == 0 {
				_, _ = fmt.Fprintln(out, "no sessions")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only sessions started after a timestamp or duration ago (e.g. 12h)")
	cmd.Flags().StringVar(&state, "state", "", "only sessions in this state")
	return cmd
}

// sessionReport is everything show prints about one session.
type sessionReport struct {
	Session     domain.Session            `json:"session"`
	Animal      *domain.Animal            `json:"animal,omitempty"`
	Transitions []domain.Transition       `json:"transitions"`
	Samples     map[domain.State]int      `json:"samples"`
	Baseline    *domain.BaselineData      `json:"baseline,omitempty"`
	Annotations []domain.Annotation       `json:"annotations"`
	Sync        map[domain.SyncStatus]int `json:"sync"`
}

func newShowCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its transitions, baseline and sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := buildReport(ctx, st, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(cmd, rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func buildReport(ctx context.Context, st *store.Store, id int64) (sessionReport, error) {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return sessionReport{}, fmt.Errorf("session %d: %w", id, err)
	}
	rep := sessionReport{Session: sess, Samples: make(map[domain.State]int)}

	if a, err := st.GetAnimal(ctx, sess.AnimalID); err == nil {
		rep.Animal = &a
	}
	if rep.Transitions, err = st.TransitionLog(ctx, id); err != nil {
		return rep, err
	}
	for _, s := range domain.States() {
		if !s.SamplingAllowed() {
			continue
		}
		n, err := st.SampleCount(ctx, id, s)
		if err != nil {
			return rep, err
		}
		if n > 0 {
			rep.Samples[s] = n
		}
	}
	if b, err := st.GetBaseline(ctx, id); err == nil {
		rep.Baseline = &b
	}
	if rep.Annotations, err = store.Collect(st.Annotations(ctx, id, store.TimeRange{})); err != nil {
		return rep, err
	}

	rep.Sync = make(map[domain.SyncStatus]int)
	for rec, err := range st.SyncRecords(ctx, store.SyncFilter{SessionID: id}) {
		if err != nil {
			return rep, err
		}
		rep.Sync[rec.Status]++
	}
	return rep, nil
}

func printReport(cmd *cobra.Command, rep sessionReport) {
	out := cmd.OutOrStdout()
	s := rep.Session
	_, _ = fmt.Fprintf(out, "session: %d\ndevice: %s\nstate: %s\nstarted: %s\ncollar: %s\nremote version: %d\nconflicted: %t\n",
		s.ID, s.DeviceID, s.State, s.StartedAt.Local().Format(time.RFC3339), dash(s.CollarID), s.RemoteVersion, s.Conflicted)
	if rep.Animal != nil {
		_, _ = fmt.Fprintf(out, "animal: %s (%s, %.1f kg)\n", rep.Animal.Name, rep.Animal.Species, rep.Animal.WeightKg)
	}

	_, _ = fmt.Fprintln(out, "\ntransitions:")
	for _, t := range rep.Transitions {
		_, _ = fmt.Fprintf(out, "  %d\t%s -> %s\t%s\t%s\t%s\t%s\n",
			t.Seq, t.From, t.To, t.Event, t.Source, dash(t.Actor), t.At.Local().Format("15:04:05"))
	}

	_, _ = fmt.Fprintln(out, "\nsamples:")
	for _, st := range domain.States() {
		if n, ok := rep.Samples[st]; ok {
			_, _ = fmt.Fprintf(out, "  %s\t%d\n", st, n)
		}
	}

	if b := rep.Baseline; b != nil {
		_, _ = fmt.Fprintf(out, "\nbaseline (%d samples over %s, frozen=%t):\n", b.SampleCount, b.Span, b.Frozen)
		_, _ = fmt.Fprintf(out, "  heart rate\t%.1f ± %.1f\n", b.HeartRate.Mean, stdDev(b.HeartRate))
		_, _ = fmt.Fprintf(out, "  respiration\t%.1f ± %.1f\n", b.RespirationRate.Mean, stdDev(b.RespirationRate))
		_, _ = fmt.Fprintf(out, "  temperature\t%.2f ± %.2f\n", b.Temperature.Mean, stdDev(b.Temperature))
	}

	_, _ = fmt.Fprintf(out, "\nannotations: %d\n", len(rep.Annotations))
	for _, a := range rep.Annotations {
		_, _ = fmt.Fprintf(out, "  %s\t%s\t%s\t%s\n", a.At.Local().Format("15:04:05"), a.Code, dash(a.Author), a.Text)
	}

	_, _ = fmt.Fprintln(out, "\nsync:")
	for _, status := range []domain.SyncStatus{domain.SyncPending, domain.SyncInFlight, domain.SyncAcknowledged, domain.SyncConflicted} {
		_, _ = fmt.Fprintf(out, "  %s\t%d\n", status, rep.Sync[status])
	}
}

func newReplayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Replay a session's transition log and check it against the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.GetSession(ctx, id)
			if err != nil {
				return fmt.Errorf("session %d: %w", id, err)
			}
			log, err := st.TransitionLog(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range log {
				state, err := session.Replay(log[:i+1])
				if err != nil {
					return err
				}
				t := log[i]
				_, _ = fmt.Fprintf(out, "%d\t%s\t%s\t=> %s\n", t.Seq, t.At.Local().Format("15:04:05"), t.Event, state)
			}
			final, err := session.Replay(log)
			if err != nil {
				return err
			}
			if final != sess.State {
				return fmt.Errorf("replayed state %s does not match stored state %s", final, sess.State)
			}
			_, _ = fmt.Fprintf(out, "state %s reconstructed from %d transitions\n", final, len(log))
			return nil
		},
	}
}

func animalLabel(s domain.Session) string {
	if s.AnimalID == uuid.Nil {
		return ""
	}
	return s.AnimalID.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stdDev(m domain.MetricStats) float64 {
	return math.Sqrt(m.Variance)
}
