package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/operator/marketsync/internal/types"
)

const (
	recommendModel          = "claude-3-5-haiku-20241022"
	recommendMaxRetries     = 3
	recommendInitialBackoff = 1 * time.Second
)

// Recommender drafts human-readable SyncRun.Recommendations from a run's
// error digest. Without an API key it falls back to DryRun mode: a
// missing ANTHROPIC_API_KEY skips the AI step, it never fails the
// caller.
type Recommender struct {
	client anthropic.Client
	model  anthropic.Model
	tmpl   *template.Template
	dryRun bool
}

// NewRecommender builds a Recommender. apiKey may be empty; the
// ANTHROPIC_API_KEY environment variable takes precedence when set.
func NewRecommender(apiKey string) (*Recommender, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	tmpl, err := template.New("recommend").Parse(recommendPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing recommendation template: %w", err)
	}
	if apiKey == "" {
		return &Recommender{tmpl: tmpl, model: recommendModel, dryRun: true}, nil
	}
	return &Recommender{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  recommendModel, tmpl: tmpl,
	}, nil
}

// Draft produces operator-facing recommendation strings from a SyncRun's
// counters and error digest. In DryRun mode (no API key configured) it
// returns a deterministic summary built from the digest alone, with no
// network call.
func (r *Recommender) Draft(ctx context.Context, run *types.SyncRun) ([]string, error) {
	if len(run.ErrorDigest) == 0 {
		return nil, nil
	}
	if r.dryRun {
		return []string{dryRunSummary(run)}, nil
	}

	prompt, err := r.renderPrompt(run)
	if err != nil {
		return nil, err
	}
	text, err := r.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("drafting recommendations: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *Recommender) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= recommendMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := recommendInitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := r.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", recommendMaxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func dryRunSummary(run *types.SyncRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d records failed (%.0f%%). Top errors: ", run.Counters.Failed, run.Counters.Processed, run.Counters.FailureRatio()*100)
	for i, e := range run.ErrorDigest {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%d)", e.Code, e.Count)
	}
	return b.String()
}

type recommendData struct {
	TaskName     string
	Processed    int
	Failed       int
	RatioPercent float64
	Digest       string
	Duration     time.Duration
}

func (r *Recommender) renderPrompt(run *types.SyncRun) (string, error) {
	digestLines := make([]string, 0, len(run.ErrorDigest))
	for _, e := range run.ErrorDigest {
		digestLines = append(digestLines, fmt.Sprintf("- %s: %d", e.Code, e.Count))
	}
	data := recommendData{
		TaskName: run.TaskName, Processed: run.Counters.Processed, Failed: run.Counters.Failed,
		RatioPercent: run.Counters.FailureRatio() * 100, Digest: strings.Join(digestLines, "\n"), Duration: run.Duration(),
	}
	var b strings.Builder
	if err := r.tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

const recommendPromptTemplate = `A data sync run named {{.TaskName}} just finished. {{.Processed}} records were processed, {{.Failed}} failed ({{printf "%.0f" .RatioPercent}}% failure rate) over {{.Duration}}.

Top error codes observed:
{{.Digest}}

Write 1-3 short, concrete, operator-facing recommendations (one per line, no numbering) for what to investigate or fix. Be specific about which error code to look at first.`
