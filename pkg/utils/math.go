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

package utils

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Median sorts input in place.
func Median[T constraints.Integer | constraints.Float](input []T) float64 {
	num := len(input)
	if num == 0 {
		return 0
	}
	slices.Sort(input)
	if num%2 != 0 {
		return float64(input[num/2])
	}
	return (float64(input[num/2-1]) + float64(input[num/2])) / 2
}
