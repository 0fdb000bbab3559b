package storage

import "github.com/openparish/parishd/internal/metrics"

func recordFallback(from, to string) {
	metrics.StorageTierFallbacks.WithLabelValues(from, to).Inc()
}

func recordQuotaPurge() {
	metrics.StorageQuotaPurges.Inc()
}
