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
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

type yamlTagChecker struct {
	seen map[reflect.Type]struct{}
	errs error
}

func (c *yamlTagChecker) check(t reflect.Type) {
	if _, ok := c.seen[t]; ok {
		return
	}
	c.seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		c.check(t.Elem())
	case reflect.Struct:
		// generated messages carry their own tags
		if reflect.PointerTo(t).Implements(protoMessageType) {
			return
		}

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Type.Kind() == reflect.Bool {
				continue
			}
			if field.Tag.Get("config") == "allowempty" {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			if !slices.Contains(parts, "omitempty") && !slices.Contains(parts, "inline") {
				c.errs = multierr.Append(c.errs, fmt.Errorf("%s/%s.%s missing omitempty tag", t.PkgPath(), t.Name(), field.Name))
			}

			c.check(field.Type)
		}
	}
}

// CheckYAMLTags reports every non boolean field reachable from the given configs that would be
// written out even when it holds its zero value.
func CheckYAMLTags(configs ...any) error {
	c := &yamlTagChecker{seen: map[reflect.Type]struct{}{}}
	for _, config := range configs {
		c.check(reflect.TypeOf(config))
	}
	return c.errs
}
