package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

func newClient(opts *rootOptions) *resty.Client {
	c := resty.New().
		SetBaseURL(opts.server).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if opts.token != "" {
		c.SetAuthToken(opts.token)
	}
	return c
}

// checkResponse turns a non-2xx reply into an error carrying the server's message.
func checkResponse(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	msg := gjson.GetBytes(resp.Body(), "error").String()
	if msg == "" {
		msg = resp.Status()
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode(), msg)
}

func prettyJSON(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
