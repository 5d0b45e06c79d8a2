// Package quizchain is a small Go client for the QuizChain HTTP API. It
// triggers runs with the shared secret and queries or cancels them with the
// optional operator token.
package quizchain
