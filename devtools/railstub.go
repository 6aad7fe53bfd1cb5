package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
)

// A stand-in for the transfer rail connector, for local runs without a real
// Mojaloop sandbox. Records every homeTransactionId it sees, so duplicate
// submissions return the original transfer instead of a second one.

type transfer struct {
	TransferID   string `json:"transferId"`
	CurrentState string `json:"currentState"`
	StatusCode   string `json:"statusCode,omitempty"`
	Message      string `json:"message,omitempty"`
}

var (
	mu        sync.Mutex
	transfers = map[string]transfer{}
)

func main() {
	addr := flag.String("addr", ":4001", "listen address")
	failRate := flag.Int("fail-rate", 0, "percent of requests answered with 503")
	rejectValue := flag.String("reject", "", "payee idValue to reject with code 3204")
	flag.Parse()

	http.HandleFunc("/transfers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST is allowed", http.StatusMethodNotAllowed)
			return
		}

		if *failRate > 0 && rand.Intn(100) < *failRate {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(transfer{
				StatusCode: "2003",
				Message:    "Service currently unavailable",
			})
			return
		}

		var req struct {
			To struct {
				IDValue string `json:"idValue"`
			} `json:"to"`
			HomeTransactionID string `json:"homeTransactionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		defer mu.Unlock()

		if known, ok := transfers[req.HomeTransactionID]; ok {
			log.Println("duplicate key collapsed:", req.HomeTransactionID)
			json.NewEncoder(w).Encode(known)
			return
		}

		if *rejectValue != "" && req.To.IDValue == *rejectValue {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(transfer{
				StatusCode: "3204",
				Message:    "Party not found",
			})
			return
		}

		t := transfer{
			TransferID:   req.HomeTransactionID,
			CurrentState: "COMPLETED",
		}
		transfers[req.HomeTransactionID] = t

		log.Println("completed transfer:", req.HomeTransactionID)
		json.NewEncoder(w).Encode(t)
	})

	http.HandleFunc("/transfers/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/transfers/")

		mu.Lock()
		t, ok := transfers[key]
		mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		json.NewEncoder(w).Encode(t)
	})

	log.Println("rail stub listening on", *addr)
	log.Fatalln(http.ListenAndServe(*addr, nil))
}
