package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TransactionMetrics holds all the metric instruments for the transaction core.
type TransactionMetrics struct {
	TxnsBegunCounter       metric.Int64Counter
	TxnsCommittedCounter   metric.Int64Counter
	TxnsAbortedCounter     metric.Int64Counter
	TxnsTimedOutCounter    metric.Int64Counter
	ActiveTxnsUpDown       metric.Int64UpDownCounter
	CommitLatencyHistogram metric.Int64Histogram
}

// NewTransactionMetrics creates and registers all the metrics for the
// transaction manager.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	txnsBegun, err := meter.Int64Counter(
		"gojograph.txn.begun_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommitted, err := meter.Int64Counter(
		"gojograph.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsAborted, err := meter.Int64Counter(
		"gojograph.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsTimedOut, err := meter.Int64Counter(
		"gojograph.txn.timed_out_total",
		metric.WithDescription("Total number of transactions aborted by the timeout sweeper."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeTxns, err := meter.Int64UpDownCounter(
		"gojograph.txn.active",
		metric.WithDescription("Number of live transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Int64Histogram(
		"gojograph.txn.commit_duration",
		metric.WithDescription("The latency of transaction commits."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TransactionMetrics{
		TxnsBegunCounter:       txnsBegun,
		TxnsCommittedCounter:   txnsCommitted,
		TxnsAbortedCounter:     txnsAborted,
		TxnsTimedOutCounter:    txnsTimedOut,
		ActiveTxnsUpDown:       activeTxns,
		CommitLatencyHistogram: commitLatency,
	}, nil
}
