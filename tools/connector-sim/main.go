// connector-sim is a standalone connector endpoint for local testing.
// It accepts signed execution requests from the scheduler, records them,
// and replies with a JSON result. Failure modes can be simulated via
// FAIL_ACTION (returns 500) and REJECT_ACTION (returns 404).
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type execution struct {
	Timestamp     string         `json:"timestamp"`
	TaskID        string         `json:"task_id"`
	Action        string         `json:"action"`
	CredentialRef string         `json:"credential_ref,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Signed        bool           `json:"signed"`
}

type payload struct {
	TaskID        string         `json:"task_id"`
	Action        string         `json:"action"`
	CredentialRef string         `json:"credential_ref,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

type stats struct {
	Count          int64       `json:"count"`
	LastExecutions []execution `json:"last_executions"`
	Since          string      `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	lastExecutions []execution
	since          time.Time
	maxStored      = 50

	secret       string
	failAction   string
	rejectAction string
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("CONNECTOR_SECRET")
	failAction = os.Getenv("FAIL_ACTION")
	rejectAction = os.Getenv("REJECT_ACTION")

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/execute", executeHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastExecutions = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("connector-sim listening on %s (signed=%v)", addr, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func executeHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	signed := false
	if secret != "" {
		sig := r.Header.Get("X-Conatus-Signature")
		if !verifySignature(secret, body, sig) {
			log.Printf("execute rejected: bad signature task=%s", r.Header.Get("X-Conatus-Task-ID"))
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"error":"bad signature"}`)
			return
		}
		signed = true
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"invalid json"}`)
		return
	}

	if rejectAction != "" && p.Action == rejectAction {
		log.Printf("execute rejected: unknown action %q task=%s", p.Action, p.TaskID)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":"unknown action"}`)
		return
	}
	if failAction != "" && p.Action == failAction {
		log.Printf("execute failed (simulated): action %q task=%s", p.Action, p.TaskID)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"simulated failure"}`)
		return
	}

	exec := execution{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:        p.TaskID,
		Action:        p.Action,
		CredentialRef: p.CredentialRef,
		Params:        p.Params,
		Signed:        signed,
	}

	mu.Lock()
	count++
	lastExecutions = append(lastExecutions, exec)
	if len(lastExecutions) > maxStored {
		lastExecutions = lastExecutions[len(lastExecutions)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("execute #%d: task=%s action=%s", current, p.TaskID, p.Action)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"executed":%d,"task_id":%q}`, current, p.TaskID)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		LastExecutions: lastExecutions,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
