// Package config loads the QuizChain runtime configuration from JSON or YAML
// files, fills defaults, and resolves secrets from environment variables once
// at process start.
package config
