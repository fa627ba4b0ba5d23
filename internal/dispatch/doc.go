// Package dispatch drives a large recipient list through a bounded pipeline of
// provider batch sends.
//
// A run partitions the recipients into ordered batches of at most MaxBatchSize,
// admits them in index order through a counting gate of capacity
// MaxConcurrency, and records exactly one BatchOutcome per batch. A failed batch
// never stops its siblings; the caller inspects the Report and resubmits
// Report.FailedRecipients through the same contract if it wants a retry.
//
// The package knows nothing about email providers. The send operation is
// injected as a BatchSender, see internal/ses for the SES bulk implementation.
package dispatch
