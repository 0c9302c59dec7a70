// Package notify delivers operator notifications. Delivery is fire-and-forget with respect to
// ledger correctness: callers log failures and move on.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Message is a plain-text notification.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Notifier sends messages.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// Noop discards every message.
type Noop struct{}

// Send implements Notifier.
func (Noop) Send(context.Context, Message) error { return nil }

// Recipients splits a comma separated address list.
func Recipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Exhaustion describes an account that ran out of credit.
type Exhaustion struct {
	System   string
	Site     string
	Username string
	Quota    uint64
	Used     uint64
	At       time.Time
}

// CreditExhausted renders the exhaustion email.
func CreditExhausted(from, to string, e Exhaustion) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Account %q at site %q has used all of its data credit.\n\n", e.Username, e.Site)
	fmt.Fprintf(&b, "Credit:  %s\n", humanize.IBytes(e.Quota))
	fmt.Fprintf(&b, "Used:    %s\n", humanize.IBytes(e.Used))
	fmt.Fprintf(&b, "Blocked: %s\n\n", e.At.UTC().Format(time.RFC3339))
	b.WriteString("The account was disconnected and disabled. It is re-enabled at the next daily credit renewal.\n")
	return Message{
		From:    from,
		To:      Recipients(to),
		Subject: fmt.Sprintf("[%s] credit exhausted: %s", e.System, e.Username),
		Body:    b.String(),
	}
}

// RenewalReport renders the daily renewal summary email.
func RenewalReport(from, to, system string, renewed, reactivated, failed int, allotment uint64, at time.Time) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily credit renewal finished at %s.\n\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Daily credit:  %s\n", humanize.IBytes(allotment))
	fmt.Fprintf(&b, "Renewed:       %d\n", renewed)
	fmt.Fprintf(&b, "Reactivated:   %d\n", reactivated)
	fmt.Fprintf(&b, "Failed:        %d\n", failed)
	return Message{
		From:    from,
		To:      Recipients(to),
		Subject: fmt.Sprintf("[%s] daily credit renewal", system),
		Body:    b.String(),
	}
}
