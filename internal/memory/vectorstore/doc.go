// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vectorstore holds archived memory entries behind a
// nearest-neighbor index.
//
// The Store owns the records and a JSON snapshot of them; an Index only
// maps ids to unit vectors. Two indexes are provided: FlatIndex scans every
// vector, ChromemIndex keeps them in an in-process chromem-go collection.
// Neither supports deletion, so Store.Delete rebuilds the index from the
// remaining records.
package vectorstore
