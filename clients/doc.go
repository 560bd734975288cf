// Package clients provides the reusable pieces hookforge's HTTP callers
// share: a circuit breaker (CircuitBreaker, BreakerInfo) and a retry-wait
// calculator (RetryInfo) supporting fixed, linear, and exponential
// backoff. httpclient.Client wraps these around the pooled transport used
// for outbound webhook calls; worker.RetryPolicy.Backoff delegates its
// wait-time arithmetic to RetryInfo.WaitTime.
package clients
