// Copyright 2023 LiveKit, Inc.
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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-engine/pkg/rtcpreceiver"
	"github.com/livekit/media-engine/pkg/tmmbr"
)

type testStruct struct {
	configFileName string
	configBody     string

	expectedError      error
	expectedConfigBody string
}

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")

	tests := []testStruct{
		{"", "", nil, ""},
		{"", "configBody", nil, "configBody"},
		{file, "configBody", nil, "configBody"},
		{file, "", nil, "fileContent"},
	}
	for _, test := range tests {
		func() {
			writeConfigFile(test, t)
			defer os.Remove(test.configFileName)

			configBody, err := getConfigString(test.configFileName, test.configBody)
			require.Equal(t, test.expectedError, err)
			require.Equal(t, test.expectedConfigBody, configBody)
		}()
	}
}

func TestShouldReturnErrorIfConfigFileDoesNotExist(t *testing.T) {
	configBody, err := getConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}

func writeConfigFile(test testStruct, t *testing.T) {
	if test.configFileName != "" {
		d1 := []byte(test.expectedConfigBody)
		err := os.WriteFile(test.configFileName, d1, 0o644)
		require.NoError(t, err)
	}
}

func TestWriteBlocks(t *testing.T) {
	compound, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 0x1234},
		&rtcp.PictureLossIndication{SenderSSRC: 0x1234, MediaSSRC: 0x5678},
	})
	require.NoError(t, err)
	tmmbrBlock, err := (&rtcpreceiver.TMMBRBlock{
		SenderSSRC: 0x1234,
		Items:      []tmmbr.Item{{BitrateKbit: 300, PacketOverhead: 40, SSRC: 0x5678}},
	}).Marshal()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeBlocks(&out, append(compound, tmmbrBlock...), false))
	require.Contains(t, out.String(), "00001234")
	require.Contains(t, out.String(), "00005678: 300 kbps, overhead 40")

	// a lone PLI is not a compound packet
	pli, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 2}})
	require.NoError(t, err)
	require.ErrorIs(t, writeBlocks(&out, pli, false), rtcpreceiver.ErrNonCompound)
	require.NoError(t, writeBlocks(&out, pli, true))
}
