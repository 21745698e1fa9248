// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bucketsync is the host side of bucket sync: the serve daemon that
// keeps peers up to date and the one-shot commands that edit, inspect,
// and back up the bucket table.
package main
