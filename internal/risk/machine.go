package risk

import "routewatch/internal/model"

// Propose maps instantaneous signals to a stateless risk proposal.
// ETA overdue is the strong condition and wins outright.
func Propose(s model.RiskSignals) model.RiskLevel {
    if s.EtaOverdue { return model.RiskDelayed }
    if s.StopProlonged || s.SpeedOutOfPattern { return model.RiskAtRisk }
    return model.RiskNormal
}

// Decision is the outcome of one state machine step.
type Decision struct {
    Previous model.RiskLevel
    Proposed model.RiskLevel
    Next     model.RiskLevel
    Counters model.RiskCounters
    Changed  bool
}

// Step advances the hysteresis counters and applies the transition table.
//
//   NORMAL  --AT_RISK proposals x atRiskMinConsecutiveHits--> AT_RISK
//   NORMAL  --DELAYED proposal--> AT_RISK at most (never straight to DELAYED)
//   AT_RISK --DELAYED proposals x delayedMinConsecutiveHits--> DELAYED
//   AT_RISK --NORMAL proposal--> NORMAL immediately
//   DELAYED --anything--> DELAYED (sticky; manual reset is the only way out)
func Step(prev model.RiskLevel, prevCounters model.RiskCounters, proposed model.RiskLevel, l Limits) Decision {
    c := prevCounters
    switch proposed {
    case model.RiskAtRisk:
        c.AtRiskHits++
        c.DelayedHits = 0
    case model.RiskDelayed:
        c.DelayedHits++
        // a DELAYED proposal implies the AT_RISK antecedent is satisfied
        if c.AtRiskHits < l.AtRiskMinConsecutiveHits { c.AtRiskHits = l.AtRiskMinConsecutiveHits }
    default:
        c.AtRiskHits = 0
        c.DelayedHits = 0
    }

    next := prev
    switch {
    case prev == model.RiskNormal && proposed == model.RiskAtRisk && c.AtRiskHits >= l.AtRiskMinConsecutiveHits:
        next = model.RiskAtRisk
    case prev == model.RiskNormal && proposed == model.RiskDelayed && c.AtRiskHits >= l.AtRiskMinConsecutiveHits:
        next = model.RiskAtRisk
    case prev == model.RiskAtRisk && proposed == model.RiskDelayed && c.DelayedHits >= l.DelayedMinConsecutiveHits:
        next = model.RiskDelayed
    case prev == model.RiskAtRisk && proposed == model.RiskNormal:
        next = model.RiskNormal
    }
    if prev == model.RiskDelayed { next = model.RiskDelayed }

    return Decision{Previous: prev, Proposed: proposed, Next: next, Counters: c, Changed: next != prev}
}
