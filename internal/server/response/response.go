package response

import (
	"encoding/json"
	"net/url"
)

// Response is the envelope every API reply uses. Single-object endpoints set
// Count to 1 and leave Previous and Next empty.
type Response struct {
	Count    int         `json:"count"`
	Previous url.URL     `json:"previous"`
	Next     url.URL     `json:"next"`
	Results  interface{} `json:"results"`
	Detail   string      `json:"detail"`
}

// MarshalJSON renders Previous and Next as URL strings instead of struct fields.
func (r Response) MarshalJSON() ([]byte, error) {
	type alias struct {
		Count    int         `json:"count"`
		Previous string      `json:"previous"`
		Next     string      `json:"next"`
		Results  interface{} `json:"results"`
		Detail   string      `json:"detail"`
	}

	return json.Marshal(alias{
		Count:    r.Count,
		Previous: r.Previous.String(),
		Next:     r.Next.String(),
		Results:  r.Results,
		Detail:   r.Detail,
	})
}

// One wraps a single result.
func One(v interface{}) Response {
	return Response{Count: 1, Results: v}
}

// Fail carries only an error detail.
func Fail(detail string) Response {
	return Response{Detail: detail}
}
