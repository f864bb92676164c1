package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMCP-Orchestrator/sdk/go/openmcp"
)

// 提交一个异步运行并等待结果。服务地址取自 OPENMCP_URL。
func main() {
	baseURL := os.Getenv("OPENMCP_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	task := "What is the weather in Paris right now?"
	if len(os.Args) > 1 {
		task = os.Args[1]
	}

	client, err := openmcp.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	created, err := client.SubmitRun(ctx, openmcp.RunRequest{Task: task})
	if err != nil {
		log.Fatalf("submit run: %v", err)
	}
	fmt.Printf("submitted run %s\n", created.ID)

	done, err := client.WaitForRun(ctx, created.ID, 2*time.Second)
	if err != nil {
		log.Fatalf("wait for run: %v", err)
	}
	out, _ := json.MarshalIndent(done, "", "  ")
	fmt.Println(string(out))
}
