package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"QuizChain/internal/api"
	"QuizChain/internal/auth"
	"QuizChain/internal/task"
	"QuizChain/sdk/go/quizchain"
)

func main() {
	runs := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), task.DefaultMaxRetries)
	server := api.NewServer(":0", runs, auth.NewService(auth.Config{SharedSecret: "demo-secret"}))

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := quizchain.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Trigger(ctx, quizchain.TriggerRequest{
		Email:  "student@example.com",
		Secret: "demo-secret",
		URL:    "https://quiz.example.com/demo",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("triggered run %s (status=%s)\n", resp.RunID, resp.Status)

	run, err := client.GetRun(ctx, resp.RunID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s is %s at %s\n", run.ID, run.Status, run.CurrentURL)
}
