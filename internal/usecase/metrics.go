package usecase

import "context"

// LabelTally is how many successful classifications a label won.
type LabelTally struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// MetricsSummary aggregates the classification history.
type MetricsSummary struct {
	TotalRequests     int64        `json:"total_requests"`
	FailedRequests    int64        `json:"failed_requests"`
	FailureRate       float64      `json:"failure_rate"`
	AverageConfidence float64      `json:"average_confidence"`
	AverageLatencyMs  float64      `json:"average_latency_ms"`
	TopLabels         []LabelTally `json:"top_labels"`
}

// GetMetricsSummary aggregates metrics from persisted classification logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := uc.repo.CountByLabel(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		FailedRequests:    aggregation.FailedCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
		TopLabels:         make([]LabelTally, 0, len(counts)),
	}
	if aggregation.TotalCount > 0 {
		summary.FailureRate = float64(aggregation.FailedCount) / float64(aggregation.TotalCount)
	}
	for _, c := range counts {
		summary.TopLabels = append(summary.TopLabels, LabelTally{Label: c.TopLabel, Count: c.Count})
	}
	return summary, nil
}
