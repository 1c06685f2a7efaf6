// Command testserver is a mock OpenAI-compatible backend for local manual
// exercising of the router (the package tests use httptest servers
// instead): it serves
// /health, /v1/models, /metrics (vllm-shaped Prometheus text), and echoes
// /v1/chat/completions, /v1/completions, /v1/embeddings requests back as a
// synthesized response carrying the requested model ID. Adapted from the
// teacher's cmd/testserver/main.go.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

var models = []string{"m1", "m2"}

type chatRequest struct {
	Model string `json:"model"`
}

func main() {
	port := flag.String("port", "8081", "port to listen on")
	model := flag.String("model", "", "single model ID this mock backend advertises (overrides the default list)")
	delayMs := flag.Int("delay-ms", 0, "artificial latency added to every forwarded response")
	flag.Parse()

	served := models
	if *model != "" {
		served = []string{*model}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","port":%s}`, *port)
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		data := make([]map[string]string, len(served))
		for i, m := range served {
			data[i] = map[string]string{"id": m, "object": "model"}
		}
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "vllm:num_requests_running 0\nvllm:num_requests_waiting 0\nvllm:gpu_cache_usage_perc 0.0\nprocess_max_fds 100000\n")
	})

	for _, path := range []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings"} {
		mux.HandleFunc(path, echoHandler(*port, *delayMs))
	}

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":"simulated error"}`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[port %s] %s %s", *port, r.Method, r.RequestURI)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"backend":"test-server","port":%s,"path":"%s"}`, *port, r.URL.Path)
	})

	addr := fmt.Sprintf(":%s", *port)
	log.Printf("test server listening on %s, serving models %v", addr, served)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// echoHandler reads the request body, extracts the model field if present,
// and synthesizes a minimal chat-completion-shaped response carrying it
// back, together with the serving port, so a caller can tell which backend
// actually served a request.
func echoHandler(port string, delayMs int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if delayMs > 0 {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}

		var req chatRequest
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &req)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "mock-" + port,
			"object":  "chat.completion",
			"model":   req.Model,
			"served_by_port": port,
			"choices": []any{},
		})
	}
}
