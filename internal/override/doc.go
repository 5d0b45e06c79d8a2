// Package override holds the deterministic answer table: URL-pattern-keyed
// strategies, loaded as data, that answer recognised page shapes without
// consulting the oracle.
package override
