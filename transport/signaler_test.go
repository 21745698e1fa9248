// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
)

func TestSignalers(t *testing.T) {
	directory, err := NewDirSignaler(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirSignaler: %v", err)
	}
	signalers := map[string]Signaler{
		"memory": NewMemorySignaler(),
		"dir":    directory,
	}
	for name, signaler := range signalers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := signaler.PublishOffer(ctx, "watch/one", "host", "offer-sdp"); err != nil {
				t.Fatalf("PublishOffer: %v", err)
			}
			if err := signaler.PublishOffer(ctx, "watch/two", "elsewhere", "ignored"); err != nil {
				t.Fatalf("PublishOffer: %v", err)
			}

			offers, err := signaler.PollOffers(ctx, "host")
			if err != nil {
				t.Fatalf("PollOffers: %v", err)
			}
			if len(offers) != 1 || offers[0].Peer != "watch/one" || offers[0].SDP != "offer-sdp" {
				t.Fatalf("PollOffers = %+v, want the single offer from watch/one", offers)
			}

			again, err := signaler.PollOffers(ctx, "host")
			if err != nil {
				t.Fatalf("PollOffers: %v", err)
			}
			if len(again) != 0 {
				t.Errorf("second PollOffers returned %d offers, want 0", len(again))
			}

			if err := signaler.PublishAnswer(ctx, "watch/one", "host", "answer-sdp"); err != nil {
				t.Fatalf("PublishAnswer: %v", err)
			}
			answers, err := signaler.PollAnswers(ctx, "watch/one")
			if err != nil {
				t.Fatalf("PollAnswers: %v", err)
			}
			if len(answers) != 1 || answers[0].Peer != "host" || answers[0].SDP != "answer-sdp" {
				t.Fatalf("PollAnswers = %+v", answers)
			}
		})
	}
}
