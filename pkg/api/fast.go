package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"prevaldb/pkg/ingest"
	"prevaldb/pkg/ingest/queue"
	"prevaldb/pkg/models"
	"prevaldb/pkg/utils"
	"prevaldb/pkg/validation"
)

// The fasthttp listener exists for high-volume producers: one route, no
// router allocation, pooled request buffers all the way into the queue.

// submitTimeout bounds how long a submission may block on a full queue
// before the producer gets a 503.
const submitTimeout = 5 * time.Second

// NewFastHandler returns the fasthttp request handler for the dedicated
// submission listener. Only POST /v1/batches is served.
func NewFastHandler(proc *ingest.Processor) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/v1/batches" || !ctx.IsPost() {
			utils.JSONErrorFast(ctx, fasthttp.StatusNotFound, "not found")
			return
		}

		var batch models.SubmissionBatch
		if err := json.Unmarshal(ctx.PostBody(), &batch); err != nil {
			utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, "invalid json")
			return
		}
		if batch.TransactionID == "" {
			batch.TransactionID = utils.GenTransactionID()
		}
		batch.Normalize()
		if err := validation.ValidateBatch(&batch); err != nil {
			utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		receipt, err := proc.Submit(sctx, &batch)
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, context.DeadlineExceeded) {
				utils.JSONErrorFast(ctx, fasthttp.StatusServiceUnavailable, "server busy; try again")
				return
			}
			utils.JSONErrorFast(ctx, fasthttp.StatusInternalServerError, "submit failed")
			return
		}
		ctx.Response.Header.Set("Content-Type", "application/json")
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		_ = json.NewEncoder(ctx).Encode(receipt)
	}
}
