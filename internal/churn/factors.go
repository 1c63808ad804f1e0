package churn

import (
	"fmt"
	"math"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

const (
	FactorInactivity     = "inactivity"
	FactorUsageTrend     = "usage_trend"
	FactorSupportTickets = "support_tickets"
	FactorBillingSignals = "billing_signals"
)

// Event names the built-in factors look for.
const (
	EventSupportTicketOpened    = "support_ticket_opened"
	EventSupportTicketResolved  = "support_ticket_resolved"
	EventPaymentFailed          = "payment_failed"
	EventSubscriptionDowngraded = "subscription_downgraded"
)

const (
	inactivityMax      = 45.0
	inactivityHalfLife = 14.0
	usageTrendMax      = 30.0
	ticketPoints       = 5.0
	ticketCap          = 20.0
	paymentFailedPts   = 15.0
	downgradePoints    = 10.0
	billingCap         = 25.0
)

// History is a user's events up to some instant, in timestamp order.
type History []events.Event

// Until returns the prefix of h at or before ts.
func (h History) Until(ts time.Time) History {
	for i, e := range h {
		if e.Timestamp.After(ts) {
			return h[:i]
		}
	}
	return h
}

func (h History) count(name string, from, to time.Time) int {
	n := 0
	for _, e := range h {
		if (name == "" || e.Name == name) && e.Timestamp.After(from) && !e.Timestamp.After(to) {
			n++
		}
	}
	return n
}

func (h History) total(name string) int {
	n := 0
	for _, e := range h {
		if e.Name == name {
			n++
		}
	}
	return n
}

// FactorFunc computes one factor's raw impact from a history ending at asOf.
type FactorFunc func(h History, asOf time.Time, period time.Duration) (impact float64, detail string)

// FactorDef names a factor and how to compute it.
type FactorDef struct {
	Name    string
	Compute FactorFunc
}

// BuiltinFactors returns the default factor set.
func BuiltinFactors() []FactorDef {
	return []FactorDef{
		{Name: FactorInactivity, Compute: inactivity},
		{Name: FactorUsageTrend, Compute: usageTrend},
		{Name: FactorSupportTickets, Compute: supportTickets},
		{Name: FactorBillingSignals, Compute: billingSignals},
	}
}

func inactivity(h History, asOf time.Time, _ time.Duration) (float64, string) {
	if len(h) == 0 {
		return 0, ""
	}
	days := asOf.Sub(h[len(h)-1].Timestamp).Hours() / 24
	if days <= 0 {
		return 0, "active today"
	}
	impact := inactivityMax * (1 - math.Exp(-days/inactivityHalfLife*math.Ln2))
	return impact, fmt.Sprintf("%d days since last activity", int(math.Floor(days)))
}

func usageTrend(h History, asOf time.Time, period time.Duration) (float64, string) {
	current := h.count("", asOf.Add(-period), asOf)
	previous := h.count("", asOf.Add(-2*period), asOf.Add(-period))
	if previous == 0 || current >= previous {
		return 0, fmt.Sprintf("%d events this period, %d before", current, previous)
	}
	drop := float64(previous-current) / float64(previous)
	return drop * usageTrendMax, fmt.Sprintf("usage down %.0f%% (%d to %d events)", drop*100, previous, current)
}

func supportTickets(h History, _ time.Time, _ time.Duration) (float64, string) {
	open := h.total(EventSupportTicketOpened) - h.total(EventSupportTicketResolved)
	if open <= 0 {
		return 0, ""
	}
	return math.Min(float64(open)*ticketPoints, ticketCap), fmt.Sprintf("%d unresolved support tickets", open)
}

func billingSignals(h History, asOf time.Time, period time.Duration) (float64, string) {
	from := asOf.Add(-period)
	impact := 0.0
	var detail string
	if h.count(EventPaymentFailed, from, asOf) > 0 {
		impact += paymentFailedPts
		detail = "payment failed"
	}
	if h.count(EventSubscriptionDowngraded, from, asOf) > 0 {
		impact += downgradePoints
		if detail != "" {
			detail += ", "
		}
		detail += "subscription downgraded"
	}
	return math.Min(impact, billingCap), detail
}

// trendOf compares the current impact with the prior one.
func trendOf(current, prior float64, hasPrior bool) enums.Trend {
	if !hasPrior {
		return enums.TrendStable
	}
	switch delta := current - prior; {
	case delta > trendBand:
		return enums.TrendDeclining
	case delta < -trendBand:
		return enums.TrendImproving
	default:
		return enums.TrendStable
	}
}

const trendBand = 1.0
