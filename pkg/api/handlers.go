// Package api exposes the HTTP surface: the public range lookup endpoint
// and the /v1 submission and admin endpoints. Handlers stay thin; batch
// processing happens in the ingest pipeline.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"prevaldb/pkg/ingest"
	"prevaldb/pkg/ingest/queue"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/lookup"
	"prevaldb/pkg/models"
	"prevaldb/pkg/store"
	"prevaldb/pkg/utils"
	"prevaldb/pkg/validation"
)

// Server bundles the services the HTTP handlers depend on.
type Server struct {
	Lookup   *lookup.Service
	Proc     *ingest.Processor
	Files    store.FileStore
	Counters store.CounterStore
	Receipts store.ReceiptStore
}

// Router builds the gorilla router with every route attached.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/range/{prefix}", s.GetRange).Methods(http.MethodGet)
	r.HandleFunc("/v1/batches", s.SubmitBatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/prefixes/{prefix}", s.ProvisionPrefix).Methods(http.MethodPost)
	r.HandleFunc("/v1/hashes/{hash}", s.GetHash).Methods(http.MethodGet)
	r.HandleFunc("/v1/transactions/{id}", s.GetTransaction).Methods(http.MethodGet)
	return r
}

// GetRange serves GET /range/{prefix}: the stored hash file for a 5-char
// prefix, verbatim, as text/plain.
func (s *Server) GetRange(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["prefix"]
	res, err := s.Lookup.Prefix(r.Context(), prefix)
	if err != nil {
		switch {
		case errors.Is(err, lookup.ErrBadPrefix):
			utils.JSONError(w, http.StatusBadRequest, "prefix must be 5 hexadecimal characters")
		case errors.Is(err, lookup.ErrUnknownPrefix):
			utils.JSONError(w, http.StatusNotFound, "prefix not found")
		default:
			logger.Error("range_lookup_failed", "prefix", prefix, "error", err)
			utils.JSONError(w, http.StatusInternalServerError, "lookup failed")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !res.Modified.IsZero() {
		w.Header().Set("Last-Modified", res.Modified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

// SubmitBatch accepts POST /v1/batches: journal, enqueue, 202 with the
// transaction receipt. The merge itself is asynchronous.
func (s *Server) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var batch models.SubmissionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if batch.TransactionID == "" {
		batch.TransactionID = utils.GenTransactionID()
	}
	batch.Normalize()
	if err := validation.ValidateBatch(&batch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := s.Proc.Submit(r.Context(), &batch)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			utils.JSONError(w, http.StatusServiceUnavailable, "server busy; try again")
			return
		}
		logger.Error("batch_submit_failed", "txn", batch.TransactionID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, receipt)
}

// ProvisionPrefix creates an empty partition for a new prefix. 201 on
// create, 409 when it already exists.
func (s *Server) ProvisionPrefix(w http.ResponseWriter, r *http.Request) {
	prefix := strings.ToUpper(mux.Vars(r)["prefix"])
	if err := validation.ValidatePrefix(prefix); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Files.Provision(r.Context(), prefix); err != nil {
		if errors.Is(err, store.ErrExists) {
			utils.JSONError(w, http.StatusConflict, "prefix already provisioned")
			return
		}
		logger.Error("prefix_provision_failed", "prefix", prefix, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "provision failed")
		return
	}
	logger.Info("prefix_provisioned", "prefix", prefix)
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"prefix": prefix})
}

// GetHash returns the aggregate prevalence recorded for one full hash.
// The aggregate is maintained by the counter ledger and may briefly trail
// the published hash file.
func (s *Server) GetHash(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToUpper(mux.Vars(r)["hash"])
	if err := validation.ValidateHash(hash); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	prefix := hash[:models.PrefixLen]
	suffix := hash[models.PrefixLen:]
	total, err := s.Counters.AggregateCount(r.Context(), prefix, suffix)
	if err != nil {
		logger.Error("hash_aggregate_failed", "prefix", prefix, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "aggregate lookup failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"hash":       hash,
		"prevalence": total,
	})
}

// GetTransaction returns the receipt recorded when a submission was
// accepted; 404 for unknown transaction ids.
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rc, err := s.Receipts.GetReceipt(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "transaction not found")
			return
		}
		logger.Error("receipt_lookup_failed", "txn", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "receipt lookup failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, models.TransactionReceipt{
		SubscriptionID: rc.SubscriptionID,
		TransactionID:  rc.TransactionID,
		EntryCount:     rc.EntryCount,
		PrefixCount:    rc.PrefixCount,
		AcceptedTS:     rc.AcceptedTS,
	})
}
