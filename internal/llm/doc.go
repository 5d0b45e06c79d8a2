// Package llm contains the provider-neutral contract for invoking the
// decision model. Provider adapters live in sub-packages and normalise
// their failures into the unified error codes, rate limits included.
package llm
