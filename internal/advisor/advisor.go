package advisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/alerts"
	"perpcore/internal/config"
	"perpcore/internal/metrics"
)

// jsonOnlyAddendum is appended on the single re-ask after a response
// yields zero usable decisions.
const jsonOnlyAddendum = "\n\nYour previous reply was not valid. Return ONLY the JSON object, with no explanation, no markdown, no surrounding text."

// syntheticReasoning pads the minimum reasoning length the schema
// demands, so synthetic holds pass the same validation as real ones.
const syntheticReasoning = "Synthetic hold: no advisor model was available this cycle, so no position change is taken."

// Advisor runs the model failover chain for each cycle and turns raw
// model output into validated signals.
type Advisor struct {
	cfg     config.AdvisorConfig
	clients map[string]*Client
	breaker *ModelBreaker
	cost    *CostTracker
	prompt  *PromptBuilder
	limits  Limits
	alerter *alerts.Manager
	log     zerolog.Logger
}

// New creates the advisor from configuration. symbols bounds which coins
// a decision may reference; riskCfg supplies the sizing field bounds.
func New(
	cfg config.AdvisorConfig,
	riskCfg config.RiskConfig,
	symbols []string,
	apiKey string,
	alerter *alerts.Manager,
	log zerolog.Logger,
) (*Advisor, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("advisor requires at least one configured model")
	}

	clients := make(map[string]*Client, len(cfg.Models))
	order := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		clients[m.Name] = NewClient(ClientConfig{
			Endpoint:    m.Endpoint,
			APIKey:      apiKey,
			Model:       m.Name,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout(),
			MaxRetries:  cfg.MaxRetries,
		}, log)
		order = append(order, m.Name)
	}

	symbolSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbolSet[s] = true
	}

	a := &Advisor{
		cfg:     cfg,
		clients: clients,
		breaker: NewModelBreaker(order, log),
		prompt: NewPromptBuilder(cfg.PromptVersion, cfg.MaxPromptTokens,
			riskCfg.MinLeverage, riskCfg.MaxLeverage, riskCfg.MaxRiskUSD),
		limits: Limits{
			Symbols:     symbolSet,
			MaxRiskUSD:  riskCfg.MaxRiskUSD,
			MinLeverage: riskCfg.MinLeverage,
			MaxLeverage: riskCfg.MaxLeverage,
		},
		alerter: alerter,
		log:     log,
	}
	a.cost = NewCostTracker(cfg.Models, cfg.DailyBudgetUSD, a.onCostWarning, log)
	return a, nil
}

// Breaker exposes the model circuit breaker for operator reset.
func (a *Advisor) Breaker() *ModelBreaker { return a.breaker }

// PromptVersion returns the active prompt template version.
func (a *Advisor) PromptVersion() string { return a.prompt.Version() }

// Advise produces validated signals for one cycle. ErrPromptTooLarge is
// returned unwrapped so the caller can skip the cycle with that reason;
// every other failure path degrades to a synthetic hold.
func (a *Advisor) Advise(ctx context.Context, req Request) (*Advice, error) {
	userPrompt, err := a.prompt.Build(req)
	if err != nil {
		return nil, err
	}

	models := a.selectModels()
	if len(models) == 0 {
		return a.syntheticHold(ctx, req, "all model circuits open"), nil
	}

	messages := []ChatMessage{
		{Role: "system", Content: a.prompt.SystemPrompt()},
		{Role: "user", Content: userPrompt},
	}

	var lastRaw string
	for _, model := range models {
		advice, raw, err := a.callModel(ctx, model, req, messages)
		if err != nil {
			a.breaker.RecordFailure(model)
			metrics.RecordAdvisorError(model, err)
			a.log.Warn().
				Err(err).
				Str("model", model).
				Uint64("cycle_id", req.CycleID).
				Msg("Model call failed, trying next in chain")
			if raw != "" {
				lastRaw = raw
			}
			continue
		}

		a.breaker.RecordSuccess(model)
		for _, sig := range advice.Signals {
			metrics.AdvisorDecisions.WithLabelValues(model, string(sig.Action)).Inc()
		}
		return advice, nil
	}

	advice := a.syntheticHold(ctx, req, "every model in the chain failed")
	advice.RawResponse = lastRaw
	return advice, nil
}

// selectModels returns the models to try this cycle in order. With the
// daily budget exhausted only the cheapest model is eligible.
func (a *Advisor) selectModels() []string {
	available := a.breaker.Available()
	if !a.cost.Exhausted() {
		return available
	}

	cheapest := a.cost.Cheapest()
	for _, m := range available {
		if m == cheapest {
			a.log.Warn().
				Str("model", cheapest).
				Float64("spent_usd", a.cost.SpentToday()).
				Msg("Daily advisor budget exhausted, forcing cheapest model")
			return []string{cheapest}
		}
	}
	return available
}

// callModel performs one model invocation including the single
// "JSON only" re-ask. The returned raw string is the last response body
// even when the call ultimately fails validation.
func (a *Advisor) callModel(ctx context.Context, model string, req Request, messages []ChatMessage) (*Advice, string, error) {
	client := a.clients[model]

	start := time.Now()
	resp, err := client.CompleteWithRetry(ctx, messages)
	if err != nil {
		return nil, "", err
	}

	raw := resp.Choices[0].Message.Content
	promptTokens, completionTokens := a.usage(resp, messages, raw)
	cost := a.cost.Record(model, promptTokens, completionTokens)
	metrics.RecordAdvisorCall(model, promptTokens, completionTokens, cost, float64(time.Since(start).Milliseconds()))

	signals, rejections, parseErr := a.extract(raw)
	if parseErr != nil || len(signals) == 0 {
		// One re-ask with the JSON-only addendum, then give up on the model.
		a.log.Warn().
			Str("model", model).
			AnErr("parse_error", parseErr).
			Int("rejections", len(rejections)).
			Msg("No usable decisions, re-asking for bare JSON")

		amended := append([]ChatMessage{}, messages...)
		amended[len(amended)-1].Content += jsonOnlyAddendum

		resp, err = client.CompleteWithRetry(ctx, amended)
		if err != nil {
			return nil, raw, err
		}
		raw = resp.Choices[0].Message.Content
		promptTokens, completionTokens = a.usage(resp, amended, raw)
		cost += a.cost.Record(model, promptTokens, completionTokens)

		signals, rejections, parseErr = a.extract(raw)
		if parseErr != nil {
			return nil, raw, fmt.Errorf("re-ask still unparsable: %w", parseErr)
		}
		if len(signals) == 0 {
			return nil, raw, fmt.Errorf("re-ask yielded zero usable decisions")
		}
	}

	return &Advice{
		CycleID:          req.CycleID,
		Model:            model,
		Signals:          signals,
		Rejections:       rejections,
		RawResponse:      raw,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		Duration:         time.Since(start),
	}, raw, nil
}

func (a *Advisor) extract(raw string) ([]Signal, []Rejection, error) {
	parsed, stage, err := ParseResponse(raw)
	if err != nil {
		return nil, nil, err
	}
	if stage != ParseDirect {
		a.log.Debug().Str("parse_stage", stage).Msg("Response needed extraction before parsing")
	}
	signals, rejections := ValidateDecisions(parsed.Decisions, a.limits)
	return signals, rejections, nil
}

// usage returns token counts from the response, estimating when the
// endpoint omits them.
func (a *Advisor) usage(resp *ChatResponse, messages []ChatMessage, raw string) (int, int) {
	promptTokens := resp.Usage.PromptTokens
	completionTokens := resp.Usage.CompletionTokens
	if promptTokens == 0 {
		total := 0
		for _, m := range messages {
			total += EstimateTokens(m.Content)
		}
		promptTokens = total
	}
	if completionTokens == 0 {
		completionTokens = EstimateTokens(raw)
	}
	return promptTokens, completionTokens
}

// syntheticHold builds the safe-default advice: hold every symbol, and
// raise the critical alert that the advisor chain is down.
func (a *Advisor) syntheticHold(ctx context.Context, req Request, reason string) *Advice {
	signals := make([]Signal, 0, len(req.Snapshots))
	for _, snap := range req.Snapshots {
		signals = append(signals, Signal{
			Symbol:     snap.Symbol,
			Action:     ActionHold,
			Confidence: 0,
			Reasoning:  syntheticReasoning,
		})
	}

	a.log.Error().
		Uint64("cycle_id", req.CycleID).
		Str("reason", reason).
		Msg("Advisor unavailable, emitting synthetic hold")

	if a.alerter != nil {
		models := make([]string, 0, len(a.clients))
		for name := range a.clients {
			models = append(models, name)
		}
		_ = a.alerter.AdvisorUnavailable(ctx, models)
	}

	return &Advice{
		CycleID:   req.CycleID,
		Model:     "synthetic",
		Synthetic: true,
		Signals:   signals,
	}
}

func (a *Advisor) onCostWarning(spent, budget float64) {
	if a.alerter == nil {
		return
	}
	_ = a.alerter.SendWarning(context.Background(), "Advisor Budget",
		fmt.Sprintf("Daily advisor spend $%.2f has passed 70%% of the $%.2f budget", spent, budget),
		map[string]interface{}{"spent_usd": spent, "budget_usd": budget})
}
