// Package circuitbreaker isolates failing handlers with sony/gobreaker.
//
// Each breaker counts failures inside fixed windows. Reaching the threshold
// opens it for the recovery period, after which exactly one trial call is
// admitted: success closes the breaker, failure reopens it.
package circuitbreaker
