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

package configtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

type tagged struct {
	Name    string               `yaml:"name,omitempty"`
	Enabled bool                 `yaml:"enabled"`
	Timeout *durationpb.Duration `yaml:"timeout,omitempty"`
	Limits  []limit              `yaml:"limits,omitempty"`
	Ignored int                  `yaml:"-"`
	Any     string               `yaml:"any" config:"allowempty"`
}

type limit struct {
	Max int `yaml:"max,omitempty"`
}

type untagged struct {
	Name   string  `yaml:"name"`
	Limits []limit `yaml:"limits,omitempty"`
	Nested *struct {
		Depth int
	} `yaml:"nested,omitempty"`
}

func TestCheckYAMLTags(t *testing.T) {
	require.NoError(t, CheckYAMLTags(tagged{}))

	err := CheckYAMLTags(untagged{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "untagged.Name missing omitempty tag")
	require.Contains(t, err.Error(), ".Depth missing omitempty tag")
	require.NotContains(t, err.Error(), "Limits")
}
