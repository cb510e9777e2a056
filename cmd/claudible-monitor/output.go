package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

func usd(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

func usageLine(r dashboard.UsageRecord) string {
	return fmt.Sprintf("%s  %-20s %7d in %7d out  $%s",
		r.CreatedAt.UTC().Format("15:04:05"),
		r.Model,
		r.PromptTokens,
		r.CompletionTokens,
		r.CostUSD.StringFixed(4),
	)
}

func printSnapshot(w io.Writer, s *dashboard.Snapshot, limit int, now time.Time) {
	fmt.Fprintln(w, s.WelcomeText())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "balance:      %s\n", usd(s.Balance))
	status := s.Status
	if status == "" {
		status = "unknown"
	}
	if !s.Valid {
		status += " (invalid)"
	}
	fmt.Fprintf(w, "status:       %s\n", status)
	if s.AccountType != "" {
		fmt.Fprintf(w, "plan:         %s\n", s.AccountType)
	}
	if s.LastUsed.IsZero() {
		fmt.Fprintln(w, "last used:    never")
	} else {
		fmt.Fprintf(w, "last used:    %s (%s ago)\n",
			s.LastUsed.UTC().Format(time.RFC3339), now.Sub(s.LastUsed).Round(time.Second))
	}
	fmt.Fprintf(w, "requests:     %d\n", s.Stats.TotalRequests)
	fmt.Fprintf(w, "tokens:       %d in / %d out\n", s.Stats.PromptTokens, s.Stats.CompletionTokens)
	fmt.Fprintf(w, "total cost:   %s\n", usd(s.Stats.TotalCost))

	if limit == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "recent usage:")
	if len(s.Usage) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for i, r := range s.Usage {
		if i == limit {
			fmt.Fprintf(w, "  +%d more\n", len(s.Usage)-limit)
			break
		}
		fmt.Fprintln(w, "  "+usageLine(r))
	}
}

// watchPrinter turns monitor notifications into one line per visible change.
type watchPrinter struct {
	out io.Writer

	welcomed  bool
	head      string
	lastError string
}

func (p *watchPrinter) observe(n dashboard.Notification) {
	state := n.State
	if n.Changes.Has(dashboard.ConnectionChanged) {
		fmt.Fprintf(p.out, "stream: %s\n", state.Connection.Label())
	}
	if n.Changes.Has(dashboard.ErrorChanged) {
		p.observeError(state.LastError)
	}

	snapshot := state.Snapshot
	if snapshot == nil {
		if n.Changes.Has(dashboard.BalanceChanged) && state.Balance != nil {
			fmt.Fprintf(p.out, "balance: %s\n", usd(*state.Balance))
		}
		return
	}
	if !n.Changes.Has(dashboard.SnapshotChanged) {
		return
	}

	head := ""
	if len(snapshot.Usage) > 0 {
		head = snapshot.Usage[0].StableID()
	}
	switch {
	case !p.welcomed:
		p.welcomed = true
		fmt.Fprintf(p.out, "%s  balance %s  requests %d\n",
			snapshot.WelcomeText(), usd(snapshot.Balance), snapshot.Stats.TotalRequests)
	case head != "" && head != p.head:
		fmt.Fprintf(p.out, "usage: %s  balance %s\n", usageLine(snapshot.Usage[0]), usd(snapshot.Balance))
	default:
		fmt.Fprintf(p.out, "refreshed: balance %s  requests %d\n", usd(snapshot.Balance), snapshot.Stats.TotalRequests)
	}
	p.head = head
}

func (p *watchPrinter) observeError(err error) {
	if err == nil {
		p.lastError = ""
		return
	}
	msg := err.Error()
	if msg == p.lastError {
		return
	}
	p.lastError = msg
	if errors.Is(err, dashboard.ErrNoCredential) {
		fmt.Fprintf(p.out, "error: %s\n", msg)
		return
	}
	fmt.Fprintf(p.out, "lookup error: %s\n", msg)
}
