// Package activity holds the pipeline's two business activities:
// playbook-driven account analysis and brief delivery. Both are pure
// adapters around collaborator interfaces so the engine stays free of
// domain knowledge.
package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/tendorhq/huntflow"
)

// Strategy types drawn from the sales playbooks.
const (
	StrategyEnterpriseSecurity = "enterprise_security"
	StrategySaaSGrowth         = "saas_growth"
	StrategyDigitalTransform   = "enterprise_digital_transformation"
	StrategyGeneralEnterprise  = "general_enterprise"
)

// Urgency levels for the generated brief.
const (
	UrgencyUrgent = "URGENT"
	UrgencyHigh   = "HIGH"
	UrgencyMedium = "MEDIUM"
	UrgencyLow    = "LOW"
)

// AnalysisService turns a signal into an opportunity brief.
type AnalysisService interface {
	Analyze(ctx *huntflow.StepContext, signal huntflow.Signal) (huntflow.OpportunityBrief, error)
}

// NewAnalyzeActivity wraps an AnalysisService as a workflow activity.
// A signal without an account ID is rejected as malformed, never
// retried.
func NewAnalyzeActivity(svc AnalysisService) huntflow.Activity {
	return huntflow.NewActivity(huntflow.StepKindAnalyze,
		func(ctx *huntflow.StepContext, signal huntflow.Signal) (huntflow.OpportunityBrief, error) {
			if signal.AccountID == "" {
				return huntflow.OpportunityBrief{}, huntflow.MalformedInput(fmt.Errorf("signal has no account ID"))
			}
			return svc.Analyze(ctx, signal)
		})
}

// PlaybookAnalyzer is a deterministic AnalysisService driven by the
// sales playbook heuristics: strategy type from industry, urgency from
// pricing and demo activity.
type PlaybookAnalyzer struct{}

// NewPlaybookAnalyzer creates a playbook-driven analyzer.
func NewPlaybookAnalyzer() *PlaybookAnalyzer {
	return &PlaybookAnalyzer{}
}

// Analyze implements AnalysisService.
func (a *PlaybookAnalyzer) Analyze(ctx *huntflow.StepContext, signal huntflow.Signal) (huntflow.OpportunityBrief, error) {
	strategy := strategyTypeFor(signal)
	urgency := urgencyFor(signal.Events)

	brief := huntflow.OpportunityBrief{
		AccountID:          signal.AccountID,
		CompanyName:        signal.CompanyName,
		IntentScore:        signal.IntentScore,
		IntentLabel:        intentLabel(signal.IntentScore),
		StrategyType:       strategy,
		Summary:            buildSummary(signal, strategy, urgency),
		RecommendedActions: recommendedActions(strategy),
		Urgency:            urgency,
		GeneratedAt:        time.Now().UTC(),
	}

	ctx.Logger.Debug().
		Str("strategy_type", strategy).
		Str("urgency", urgency).
		Msg("Account analyzed")

	return brief, nil
}

// strategyTypeFor picks the playbook strategy from the account profile.
func strategyTypeFor(signal huntflow.Signal) string {
	industry := strings.ToLower(signal.Industry)

	switch {
	case strings.Contains(industry, "financial") || strings.Contains(industry, "security"):
		return StrategyEnterpriseSecurity
	case strings.Contains(industry, "saas") || strings.Contains(industry, "startup"):
		return StrategySaaSGrowth
	case strings.Contains(industry, "enterprise") || strings.Contains(industry, "manufacturing"):
		return StrategyDigitalTransform
	default:
		return StrategyGeneralEnterprise
	}
}

// urgencyFor grades urgency from pricing and demo activity.
func urgencyFor(events []huntflow.IntentEvent) string {
	if len(events) == 0 {
		return UrgencyLow
	}

	var pricing, demos int
	for _, ev := range events {
		if strings.Contains(ev.Type, "pricing") {
			pricing++
		}
		if strings.Contains(ev.Type, "demo") {
			demos++
		}
	}

	switch {
	case demos > 0 || pricing >= 2:
		return UrgencyUrgent
	case pricing > 0:
		return UrgencyHigh
	default:
		return UrgencyMedium
	}
}

// intentLabel maps a score to its human-readable band.
func intentLabel(score int) string {
	switch {
	case score >= 90:
		return "VERY HIGH"
	case score >= 80:
		return "HIGH"
	case score >= 70:
		return "MEDIUM-HIGH"
	case score >= 60:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// primaryFocus maps a strategy type to its pitch focus.
func primaryFocus(strategy string) string {
	switch strategy {
	case StrategyEnterpriseSecurity:
		return "Compliance & Security Operations"
	case StrategySaaSGrowth:
		return "Scaling & Engineering Efficiency"
	case StrategyDigitalTransform:
		return "Digital Transformation & ROI"
	default:
		return "Operational Excellence"
	}
}

func buildSummary(signal huntflow.Signal, strategy, urgency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OPPORTUNITY BRIEF: %s\n\n", signal.CompanyName)
	fmt.Fprintf(&b, "Intent Score: %d/100 (%s)\n", signal.IntentScore, intentLabel(signal.IntentScore))
	fmt.Fprintf(&b, "Key Signals: %s\n\n", summarizeEvents(signal.Events))
	fmt.Fprintf(&b, "Industry: %s\n", signal.Industry)
	fmt.Fprintf(&b, "Size: %d employees\n", signal.EmployeeCount)
	fmt.Fprintf(&b, "Revenue: %s\n\n", signal.Revenue)
	fmt.Fprintf(&b, "Strategy: %s\n", titleCase(strategy))
	fmt.Fprintf(&b, "Primary Focus: %s\n", primaryFocus(strategy))
	fmt.Fprintf(&b, "Urgency: %s", urgency)
	return b.String()
}

// summarizeEvents folds repeated event types into counts.
func summarizeEvents(events []huntflow.IntentEvent) string {
	if len(events) == 0 {
		return "No recent activity"
	}

	counts := make(map[string]int)
	var order []string
	for _, ev := range events {
		name := titleCase(ev.Type)
		if counts[name] == 0 {
			order = append(order, name)
		}
		counts[name]++
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		if counts[name] > 1 {
			parts = append(parts, fmt.Sprintf("%dx %s", counts[name], name))
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ", ")
}

// titleCase converts a snake_case token to Title Case words.
func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func recommendedActions(strategy string) []string {
	actions := []string{
		"Schedule discovery call within 24 hours",
		"Send relevant case study and ROI calculator",
		"Prepare industry-specific demo scenario",
	}

	switch strategy {
	case StrategyEnterpriseSecurity:
		actions = append(actions, "Include compliance gap assessment offer")
	case StrategySaaSGrowth:
		actions = append(actions, "Offer 14-day free trial setup")
	case StrategyDigitalTransform:
		actions = append(actions, "Schedule executive briefing session")
	}

	return actions
}
