// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAssign(t *testing.T) {
	data, err := Encode(TypeAssign, 7, "r1", &Assign{
		Job: AssignJob{JobID: "j1", WorkflowID: "wf1", Payload: json.RawMessage(`{"nodes":[]}`), TimeoutSeconds: 60},
	})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAssign, f.Type)
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, "r1", f.RobotID)

	var a Assign
	require.NoError(t, f.Unmarshal(&a))
	assert.Equal(t, "j1", a.Job.JobID)
	assert.Equal(t, "wf1", a.Job.WorkflowID)
	assert.Equal(t, 60, a.Job.TimeoutSeconds)
}

func TestEncodeNilPayloadOmitted(t *testing.T) {
	data, err := Encode(TypeDrain, 1, "r1", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeDrain, f.Type)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"seq":1,"robot_id":"r1"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	f := &Frame{Type: TypeJobAccept, Seq: 2, RobotID: "r1"}
	var acc JobAccept
	assert.Error(t, f.Unmarshal(&acc))
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := &Heartbeat{Status: "busy", CurrentJobIDs: []string{"j1", "j2"}, CPUPercent: 41.5}
	data, err := Encode(TypeHeartbeat, 3, "r9", hb)
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)

	var got Heartbeat
	require.NoError(t, f.Unmarshal(&got))
	assert.Equal(t, "busy", got.Status)
	assert.Len(t, got.CurrentJobIDs, 2)
	assert.InDelta(t, 41.5, got.CPUPercent, 0.001)
}
