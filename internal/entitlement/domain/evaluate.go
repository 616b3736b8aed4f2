package domain

import "time"

// Evaluate decides, without side effects, whether a premium action is allowed
// for the given ledger snapshot. The monthly tier is preferred over purchased
// credits so that credits are only spent once the allowance is gone.
//
// Remaining reports the units left in the chosen source after this action,
// so callers can render "N left" without a second read.
func Evaluate(ent Entitlement, action ActionType, monthlyLimit int, now time.Time) Decision {
	if ent.SubscriptionEligible(now) && monthlyLimit > 0 {
		if used := ent.MonthlyUsed(action); used < monthlyLimit {
			return Decision{
				Allow:     true,
				Source:    SourceMonthly,
				Remaining: monthlyLimit - used - 1,
			}
		}
	}

	if ent.CreditBalance > 0 {
		return Decision{
			Allow:     true,
			Source:    SourcePurchased,
			Remaining: ent.CreditBalance - 1,
		}
	}

	return Decision{Allow: false, Source: SourceNone, Reason: denyReason(ent, now)}
}

// denyReason distinguishes "subscribe" from "top up" messaging. An account
// inside a live subscription period exhausted its pools; a known purchaser
// who lapsed is pointed at credits; everyone else is pointed at plans.
func denyReason(ent Entitlement, now time.Time) DecisionReason {
	if ent.SubscriptionEligible(now) {
		return ReasonQuotaExhausted
	}
	if ent.CustomerRef != nil {
		return ReasonInsufficientCredits
	}
	return ReasonSubscriptionRequired
}
