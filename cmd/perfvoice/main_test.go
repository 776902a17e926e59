package main

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/tutorvoice/internal/protocol"
)

func TestWSURLForSession(t *testing.T) {
	cases := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/tutor/session/ws?session_id=s-1"},
		{base: "https://tutor.example.com/app/", want: "wss://tutor.example.com/app/v1/tutor/session/ws?session_id=s-1"},
		{base: "ftp://host", wantErr: true},
	}
	for _, tc := range cases {
		got, err := wsURLForSession(tc.base, "s-1")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURLForSession(%q) expected error", tc.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLForSession(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLForSession(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestBrowserRepliesEndStoppedCycle(t *testing.T) {
	replies := browserReplies("s-1", wsEnvelope{Type: "recognizer_command", Command: "stop", Cycle: 4})
	if len(replies) != 1 {
		t.Fatalf("replies = %+v, want one end", replies)
	}
	end, ok := replies[0].(protocol.RecognizerEnd)
	if !ok || end.Cycle != 4 || end.SessionID != "s-1" || end.Type != protocol.TypeRecognizerEnd {
		t.Fatalf("reply = %+v", replies[0])
	}

	if got := browserReplies("s-1", wsEnvelope{Type: "recognizer_command", Command: "start", Cycle: 5}); len(got) != 0 {
		t.Fatalf("start command should need no reply: %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	var in []time.Duration
	for i := 1; i <= 20; i++ {
		in = append(in, time.Duration(i)*100*time.Millisecond)
	}
	got := summarize(in)
	for _, want := range []string{"turns=20", "p50=1s", "p95=1.9s", "max=2s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summarize() = %q, missing %q", got, want)
		}
	}
	if summarize(nil) != "perfvoice: no turns" {
		t.Fatalf("summarize(nil) = %q", summarize(nil))
	}
}

func TestSplitTexts(t *testing.T) {
	if got := splitTexts(" a | |b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitTexts() = %q", got)
	}
	if got := splitTexts(""); len(got) != len(defaultUtterances) {
		t.Fatalf("splitTexts(\"\") = %q, want defaults", got)
	}
}
