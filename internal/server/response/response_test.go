package response

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalRendersLinksAsStrings(t *testing.T) {
	next, _ := url.Parse("/api/v1/jobs?page=2")
	data, err := json.Marshal(Response{Count: 3, Next: *next, Results: []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"count":    float64(3),
		"previous": "",
		"next":     "/api/v1/jobs?page=2",
		"results":  []interface{}{float64(1), float64(2), float64(3)},
		"detail":   "",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
}

func TestOneAndFail(t *testing.T) {
	if r := One("x"); r.Count != 1 || r.Results != "x" {
		t.Fatalf("unexpected envelope %+v", r)
	}
	if r := Fail("bad id"); r.Count != 0 || r.Results != nil || r.Detail != "bad id" {
		t.Fatalf("unexpected envelope %+v", r)
	}
}
