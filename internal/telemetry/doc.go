// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides tracing and routing counters for modelmux.
//
// Setup installs an OpenTelemetry tracer provider exporting over OTLP/HTTP.
// Routing, meta-routing and memory archival open spans through StartSpan;
// with tracing disabled those spans are no-ops.
//
// Counters tracks answered queries by routing method and model for the
// /api/stats endpoint.
package telemetry
