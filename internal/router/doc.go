// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router picks a local model for each query and runs it.
//
// # Pipeline
//
//	query -> Classify (keyword tags) -> Scorer.Rank (registry snapshot)
//	      -> winner -> Inference.Generate (one retry with the safe model)
//
// # Scoring
//
// The base performance score is multiplied by the weight of every matched
// tag the model specializes in, a local availability boost, a size band
// modifier, a stickiness boost for the previous turn's model, a recency
// tier and a version bonus. Ties keep snapshot order, which is score
// descending then name ascending.
//
// # Usage
//
//	r := router.New(reg, ollamaClient, cfg, router.WithSink(store))
//	resp, err := r.Query(ctx, "debug this function", router.QueryOptions{})
//	if errors.Is(err, router.ErrUnroutable) {
//	    // registry empty and no fallback model could be pulled
//	}
//
// The router knows nothing about the meta-router that may wrap it.
package router
