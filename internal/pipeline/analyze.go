package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/schema"
	"github.com/grantflow/harvest-cli/pkg/anthropic"
)

const analysisPrompt = `You score funding opportunities for relevance to grant-seeking organizations.
Given one opportunity, respond with ONLY a JSON object:
{"score": <0-100 relevance score>, "summary": "<2-3 sentence plain-language summary>", "tags": ["<topical tag>", ...]}
Score on funding size, breadth of eligibility, and how actionable the opportunity is.
Use at most 5 short lowercase tags.`

// AnalyzerConfig tunes the analysis pass.
type AnalyzerConfig struct {
	Model     string
	MaxTokens int64
}

// Analyzer is the default Scorer: a per-opportunity model call producing a
// score, summary, and tags.
type Analyzer struct {
	client  anthropic.Client
	cfg     AnalyzerConfig
	policy  resilience.Policy
	breaker *resilience.CircuitBreaker

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewAnalyzer builds an analyzer. breaker may be nil.
func NewAnalyzer(client anthropic.Client, cfg AnalyzerConfig, policy resilience.Policy, breaker *resilience.CircuitBreaker) *Analyzer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Analyzer{client: client, cfg: cfg, policy: policy, breaker: breaker, nowFunc: time.Now}
}

// Analyze scores one opportunity.
func (a *Analyzer) Analyze(ctx context.Context, opp *model.Opportunity) (*model.Analysis, error) {
	req := anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(analysisPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: describeOpportunity(opp)}},
	}

	resp, _, err := resilience.DoVal(ctx, a.policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if a.breaker != nil {
			return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return a.client.CreateMessage(ctx, req)
			})
		}
		return a.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, resilience.Classify(err).WithContext("external_id", opp.ExternalID)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	obj, err := schema.ParseObject(text.String())
	if err != nil {
		return nil, err
	}

	analysis := &model.Analysis{
		Model:      a.cfg.Model,
		AnalyzedAt: a.nowFunc().UTC(),
	}
	score, ok := obj["score"].(float64)
	if !ok {
		return nil, resilience.NewValidation("analysis response has no numeric score", nil).
			WithContext("external_id", opp.ExternalID)
	}
	analysis.Score = clampScore(score)
	if summary, ok := obj["summary"].(string); ok {
		analysis.Summary = strings.TrimSpace(summary)
	}
	if rawTags, ok := obj["tags"].([]any); ok {
		for _, t := range rawTags {
			if tag, ok := t.(string); ok && tag != "" {
				analysis.Tags = append(analysis.Tags, strings.ToLower(strings.TrimSpace(tag)))
			}
		}
	}
	return analysis, nil
}

// describeOpportunity renders the fields the scoring prompt cares about.
// Long descriptions are cut down; the model does not need all 20k chars to
// score.
func describeOpportunity(opp *model.Opportunity) string {
	const maxDescription = 4000

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", opp.Title)
	if opp.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", opp.Status)
	}
	if opp.MinimumAward != nil {
		fmt.Fprintf(&b, "Minimum award: %.2f\n", *opp.MinimumAward)
	}
	if opp.MaximumAward != nil {
		fmt.Fprintf(&b, "Maximum award: %.2f\n", *opp.MaximumAward)
	}
	if opp.TotalFunding != nil {
		fmt.Fprintf(&b, "Total funding: %.2f\n", *opp.TotalFunding)
	}
	if opp.OpenDate != nil {
		fmt.Fprintf(&b, "Opens: %s\n", opp.OpenDate.Format("2006-01-02"))
	}
	if opp.CloseDate != nil {
		fmt.Fprintf(&b, "Closes: %s\n", opp.CloseDate.Format("2006-01-02"))
	}
	if len(opp.Eligibility) > 0 {
		eligibility, _ := json.Marshal(opp.Eligibility)
		fmt.Fprintf(&b, "Eligibility: %s\n", eligibility)
	}
	if len(opp.Categories) > 0 {
		categories, _ := json.Marshal(opp.Categories)
		fmt.Fprintf(&b, "Categories: %s\n", categories)
	}
	description := opp.Description
	if len(description) > maxDescription {
		description = description[:maxDescription]
	}
	if description != "" {
		fmt.Fprintf(&b, "Description: %s\n", description)
	}
	return b.String()
}

func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
