package estimate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"densitymap/pkg/crossstream"
	"densitymap/pkg/pointfetch"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		body    string
		want    float64
		wantErr bool
		remote  bool
	}{
		{name: "ok", status: 200, body: `{"estimate":1234.5}`, want: 1234.5},
		{name: "remote error", status: 200, body: `{"status":"error","message":"no such subject"}`, wantErr: true, remote: true},
		{name: "remote error with 500", status: 500, body: `{"status":"error","message":"boom"}`, wantErr: true, remote: true},
		{name: "plain 502", status: 502, body: `bad gateway`, wantErr: true},
		{name: "missing number", status: 200, body: `{}`, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := decode(tc.status, []byte(tc.body))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			var re *RemoteError
			if errors.As(err, &re) != tc.remote {
				t.Fatalf("remote=%v want %v (%v)", !tc.remote, tc.remote, err)
			}
			if got != tc.want {
				t.Fatalf("estimate=%v want %v", got, tc.want)
			}
		})
	}
}

// TestEstimateMarksSubjectBusy checks the coordinator is busy while the
// request is on the wire and idle again afterwards.
func TestEstimateMarksSubjectBusy(t *testing.T) {
	t.Parallel()

	hub := crossstream.NewHub()
	coord := hub.For("lake")
	busyDuring := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		busyDuring <- coord.Busy()
		if r.URL.Query().Get("subject_id") != "lake" {
			http.Error(w, "wrong subject", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"estimate":42}`)
	}))
	defer srv.Close()

	var events []crossstream.Event
	coord.Subscribe(func(ev crossstream.Event) { events = append(events, ev) })

	c := NewClient(srv.URL, hub, nil)
	v, err := c.Estimate(context.Background(), pointfetch.Params{SubjectID: "lake", PointBudget: 9000})
	if err != nil || v != 42 {
		t.Fatalf("Estimate=%v,%v want 42", v, err)
	}
	if !<-busyDuring {
		t.Fatal("subject not busy during request")
	}
	if coord.Busy() {
		t.Fatal("subject still busy after request")
	}
	if len(events) != 2 || events[0] != crossstream.EventStart || events[1] != crossstream.EventDone {
		t.Fatalf("events=%v", events)
	}
}

func TestEstimateReleasesOnFailure(t *testing.T) {
	t.Parallel()

	hub := crossstream.NewHub()
	c := NewClient("http://127.0.0.1:1", hub, func(string, ...any) {})
	if _, err := c.Estimate(context.Background(), pointfetch.Params{SubjectID: "s"}); err == nil {
		t.Fatal("expected dial error")
	}
	if hub.For("s").Busy() {
		t.Fatal("subject left busy after failure")
	}
}
