package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
)

type statusView struct {
	State     string           `json:"state"`
	Mode      string           `json:"mode"`
	Pending   bool             `json:"pending,omitempty"`
	User      *api.UserProfile `json:"user,omitempty"`
	Stats     *api.Stats       `json:"stats,omitempty"`
	ExpiresAt *time.Time       `json:"access_expires_at,omitempty"`
}

func newStatusView(snap session.Snapshot, bearer string) statusView {
	v := statusView{
		State:   snap.State.String(),
		Mode:    snap.Mode.String(),
		Pending: snap.Pending,
		User:    snap.User,
		Stats:   snap.Stats,
	}
	if exp, ok := credential.PeekExpiry(bearer); ok {
		v.ExpiresAt = &exp
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, format string, v statusView) error {
	if format == "json" {
		return printJSON(w, v)
	}

	fmt.Fprintf(w, "state:   %s\n", v.State)
	if v.Mode != credential.ModeAnonymous.String() {
		fmt.Fprintf(w, "mode:    %s\n", v.Mode)
	}
	if v.Pending {
		fmt.Fprintln(w, "note:    provider unreachable, credential kept")
	}
	if u := v.User; u != nil {
		fmt.Fprintf(w, "user:    %s (%s)\n", u.Username, u.ID)
		fmt.Fprintf(w, "balance: %d\n", u.Balance)
		if u.Rank != "" {
			fmt.Fprintf(w, "rank:    %s\n", u.Rank)
		}
		fmt.Fprintf(w, "wins:    %d/%d\n", u.AuctionWins, u.TotalAuctions)
	}
	if v.ExpiresAt != nil {
		fmt.Fprintf(w, "expires: %s (%s)\n", v.ExpiresAt.Local().Format(time.RFC3339), time.Until(*v.ExpiresAt).Round(time.Second))
	}
	if s := v.Stats; s != nil {
		fmt.Fprintf(w, "server:  %d online, %d auctions, up %s\n", s.PlayersOnline, s.ActiveAuctions, s.Uptime)
	}
	return nil
}

func printEvent(w io.Writer, format string, ev session.Event) {
	if format == "json" {
		_ = json.NewEncoder(w).Encode(struct {
			Time   time.Time  `json:"time"`
			Kind   string     `json:"kind"`
			Reason string     `json:"reason,omitempty"`
			Status statusView `json:"status"`
		}{time.Now(), ev.Kind.String(), ev.Reason, newStatusView(ev.Snapshot, "")})
		return
	}

	ts := time.Now().Format(time.TimeOnly)
	switch ev.Kind {
	case session.EventStateChanged:
		fmt.Fprintf(w, "%s state %s\n", ts, ev.Snapshot.State)
	case session.EventProfileUpdated:
		if u := ev.Snapshot.User; u != nil {
			fmt.Fprintf(w, "%s profile %s balance=%d\n", ts, u.Username, u.Balance)
		}
	case session.EventLoginFailed:
		fmt.Fprintf(w, "%s login failed: %s\n", ts, ev.Reason)
	case session.EventStatsUpdated:
		if s := ev.Snapshot.Stats; s != nil {
			fmt.Fprintf(w, "%s stats online=%d auctions=%d\n", ts, s.PlayersOnline, s.ActiveAuctions)
		}
	}
}
