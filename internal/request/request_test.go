/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package request_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/blnkfinance/disburse/internal/request"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJsonReq(t *testing.T) {
	payload := map[string]string{"key": "value"}

	reqBuffer, err := request.ToJsonReq(payload)
	require.NoError(t, err)
	expectedJSON, _ := json.Marshal(payload)
	assert.Equal(t, expectedJSON, reqBuffer.Bytes())

	reqBuffer, err = request.ToJsonReq(map[string]interface{}{"key": make(chan int)})
	assert.Error(t, err)
	assert.Nil(t, reqBuffer)
}

func TestCall_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://hooks.example.com/payout",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(200, `{"status":"success"}`), nil
		})

	req, err := http.NewRequest("POST", "https://hooks.example.com/payout", nil)
	require.NoError(t, err)

	var response map[string]string
	resp, err := request.Call(req, &response)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", response["status"])
}

func TestCall_EmptyBody(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://hooks.slack.com/services/x", httpmock.NewStringResponder(200, ""))

	req, err := http.NewRequest("POST", "https://hooks.slack.com/services/x", nil)
	require.NoError(t, err)

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	assert.NoError(t, err)
}

func TestCall_Non2xx(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://hooks.example.com/payout", httpmock.NewStringResponder(500, "boom"))

	req, err := http.NewRequest("POST", "https://hooks.example.com/payout", nil)
	require.NoError(t, err)

	resp, err := request.Call(req, nil)
	assert.EqualError(t, err, "request to hooks.example.com failed with status code 500: boom")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCall_MalformedResponse(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", "https://hooks.example.com/payout", httpmock.NewStringResponder(200, "{malformed"))

	req, err := http.NewRequest("GET", "https://hooks.example.com/payout", nil)
	require.NoError(t, err)

	var response map[string]string
	_, err = request.Call(req, &response)
	assert.Error(t, err)
}
