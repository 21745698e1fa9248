// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appmsg implements the application message that every
// logical packet travels in: a small dictionary of typed tuples keyed
// by uint32.
//
// The wire form is a one-byte tuple count followed by each tuple as
// key (uint32 little-endian), type (one byte), value length (uint16
// little-endian) and the value bytes. Framing code needs the exact
// encoded size of a message before it is built, so the header widths
// are exported as constants and Size reports the encoded length
// without encoding.
package appmsg
