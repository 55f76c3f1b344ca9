// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ollamagate/ollamagate/internal/chat"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/store"
)

// =============================================================================
// COMPARISON FAN-OUT
// =============================================================================

// CompareBackend names one side of a comparison.
type CompareBackend struct {
	ServerID string
	BaseURL  string
	Model    string
}

// CompareInput is one prompt sent to two backends under the same parameters.
type CompareInput struct {
	Prompt   string
	Params   chat.Parameters
	ClientIP string
	A, B     CompareBackend
}

// Comparison side events. Tokens from the two sides interleave in arrival
// order; within a side, order matches the backend stream.
type sideToken struct {
	Side  string `json:"side"`
	Token string `json:"token"`
}

type sideError struct {
	Side  string `json:"side"`
	Error string `json:"error"`
}

type sideDone struct {
	Side             string `json:"side"`
	Done             bool   `json:"done"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	LatencyMs        int64  `json:"latencyMs"`
}

type allDone struct {
	AllDone bool `json:"allDone"`
}

// sideState accumulates one side's outcome for the usage logs.
type sideState struct {
	promptTokens     int
	completionTokens int
	completed        bool
}

// Compare streams one prompt through two backends concurrently, emitting
// interleaved per-side events and a final allDone frame. One side failing
// never stops the other. Both sides are logged; a side that never completed
// logs as a failure with zero tokens.
//
// An error return means streaming never started.
func (r *Relay) Compare(ctx context.Context, w http.ResponseWriter, in CompareInput) error {
	req := chat.BuildRequest("", in.Params, []ollama.Message{ollama.NewUserMessage(in.Prompt)})
	start := time.Now()

	// Open both streams before committing to an SSE response, so a total
	// failure can still produce a plain error status upstream. A single
	// side failing is reported in-band.
	reqA, reqB := req, req
	reqA.Model = in.A.Model
	reqB.Model = in.B.Model

	type opened struct {
		body io.ReadCloser
		err  error
	}
	var resA, resB opened
	var og errgroup.Group
	og.Go(func() error {
		resA.body, resA.err = r.client.OpenChatStream(ctx, in.A.BaseURL, reqA)
		return nil
	})
	og.Go(func() error {
		resB.body, resB.err = r.client.OpenChatStream(ctx, in.B.BaseURL, reqB)
		return nil
	})
	og.Wait()

	if resA.err != nil && resB.err != nil {
		return resA.err
	}

	em, err := NewEmitter(w)
	if err != nil {
		if resA.body != nil {
			resA.body.Close()
		}
		if resB.body != nil {
			resB.body.Close()
		}
		return err
	}

	var stateA, stateB sideState

	g, gctx := errgroup.WithContext(ctx)
	runSide := func(side string, res opened, state *sideState) {
		g.Go(func() error {
			if res.err != nil {
				em.SendJSON(sideError{Side: side, Error: res.err.Error()})
				return nil
			}
			defer res.body.Close()
			r.compareSide(gctx, em, side, res.body, state, start)
			return nil
		})
	}
	runSide("a", resA, &stateA)
	runSide("b", resB, &stateB)
	g.Wait()

	if ctx.Err() != nil {
		// Client went away; drop the comparison without logging it.
		r.logger.Debug("comparison aborted by client")
		return nil
	}

	pctx := context.WithoutCancel(ctx)
	latency := time.Since(start).Milliseconds()
	for _, entry := range []struct {
		backend CompareBackend
		state   *sideState
	}{
		{in.A, &stateA},
		{in.B, &stateB},
	} {
		statusCode := http.StatusOK
		if !entry.state.completed {
			statusCode = http.StatusBadGateway
		}
		if err := r.store.InsertLog(pctx, &store.RequestLog{
			ServerID:         entry.backend.ServerID,
			Model:            entry.backend.Model,
			Endpoint:         "/api/compare",
			PromptTokens:     entry.state.promptTokens,
			CompletionTokens: entry.state.completionTokens,
			LatencyMs:        latency,
			StatusCode:       statusCode,
			ClientIP:         in.ClientIP,
		}); err != nil {
			r.logger.Error("failed to record comparison log", zap.Error(err))
		}
	}

	em.SendJSON(allDone{AllDone: true})
	return nil
}

// compareSide drains one backend stream, emitting token events as content
// arrives and a side done event when the stream ends.
func (r *Relay) compareSide(ctx context.Context, em *Emitter, side string, body io.Reader, state *sideState, start time.Time) {
	dec := ollama.NewLineDecoder(body)
	for {
		raw, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("comparison side stream failed",
				zap.String("side", side), zap.Error(err))
			em.SendJSON(sideError{Side: side, Error: "inference stream interrupted"})
			break
		}

		chunk, ok := ollama.DecodeChat(raw)
		if !ok {
			continue
		}
		if chunk.Message.Content != "" {
			if err := em.SendJSON(sideToken{Side: side, Token: chunk.Message.Content}); err != nil {
				return
			}
		}
		if chunk.Done {
			state.promptTokens = chunk.PromptEvalCount
			state.completionTokens = chunk.EvalCount
			state.completed = true
		}
	}

	em.SendJSON(sideDone{
		Side:             side,
		Done:             true,
		PromptTokens:     state.promptTokens,
		CompletionTokens: state.completionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
	})
}
