// Package api exposes the HTTP surface of the quiz chain service: the trigger
// endpoint that starts background runs, liveness checks, the operator run
// queries and cancellation, and the metrics endpoint.
package api
