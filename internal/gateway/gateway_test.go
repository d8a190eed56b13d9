package gateway

import "testing"

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx"}
	for status, want := range cases {
		if got := statusBucket(status); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", status, got, want)
		}
	}
}
