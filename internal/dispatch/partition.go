package dispatch

// Partition splits recipients into ordered, non-overlapping batches of at most
// size recipients. Concatenating the batches reproduces the input exactly.
func Partition(recipients []Recipient, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, &ConfigError{Option: "maxBatchSize", Value: size, Reason: "must be > 0"}
	}
	if len(recipients) == 0 {
		return []Batch{}, nil
	}

	batches := make([]Batch, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, Batch{
			Index: len(batches),
			// full slice expression so a sender appending to the batch
			// cannot overwrite the next one
			Recipients: recipients[start:end:end],
		})
	}
	return batches, nil
}
