package usecase

import "context"

// MetricsSummary represents aggregated upload insights.
type MetricsSummary struct {
	TotalUploads      int64   `json:"total_uploads"`
	SuccessfulUploads int64   `json:"successful_uploads"`
	FallbackUploads   int64   `json:"fallback_uploads"`
	DistinctStudents  int64   `json:"distinct_students"`
	SuccessRate       float64 `json:"success_rate"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates upload metrics from persisted logs.
func (uc *EnrollmentUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalUploads:      aggregation.TotalCount,
		SuccessfulUploads: aggregation.SuccessCount,
		FallbackUploads:   aggregation.FallbackCount,
		DistinctStudents:  aggregation.DistinctStudents,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
