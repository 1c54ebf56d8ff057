// Package backoff computes retry delays for failed deliveries: exponential
// growth, a hard cap and a multiplicative jitter in [0.5, 1.5].
package backoff
