// Copyright 2022 The objtalk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package patterns implements the object name pattern language: a comma
// separated union of slash segmented globs, where "+" matches exactly one
// name segment and "*" matches the remainder of the name.
package patterns

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alwitt/objtalk/common"
)

// Pattern a compiled name pattern
type Pattern struct {
	str            string
	regex          *regexp.Regexp
	includesSystem bool
}

func invalidPattern(format string, args ...interface{}) error {
	return common.NewBrokerError(
		common.ErrorKindInvalidPattern, fmt.Sprintf(format, args...),
	)
}

// Compile parse and compile a pattern string
func Compile(str string) (*Pattern, error) {
	if str == "" {
		return nil, invalidPattern("empty pattern")
	}

	includesSystem := false
	subExprs := []string{}

	for _, subPattern := range strings.Split(str, ",") {
		if subPattern == "" {
			return nil, invalidPattern("empty sub-pattern")
		}
		if subPattern == common.SystemObjectName {
			includesSystem = true
			continue
		}
		parts := strings.Split(subPattern, "/")
		partExprs := make([]string, 0, len(parts))
		for idx, part := range parts {
			switch {
			case part == "":
				return nil, invalidPattern("empty part in %q", subPattern)
			case part == "+":
				partExprs = append(partExprs, `[^/]+`)
			case part == "*":
				if idx != len(parts)-1 {
					return nil, invalidPattern("'*' must be the final part of %q", subPattern)
				}
				partExprs = append(partExprs, `.*`)
			case strings.ContainsAny(part, "+*"):
				return nil, invalidPattern("'+' and '*' must stand alone in %q", subPattern)
			default:
				partExprs = append(partExprs, regexp.QuoteMeta(part))
			}
		}
		subExprs = append(subExprs, "(^"+strings.Join(partExprs, "/")+"$)")
	}

	pattern := &Pattern{str: str, includesSystem: includesSystem}
	if len(subExprs) > 0 {
		regex, err := regexp.Compile(strings.Join(subExprs, "|"))
		if err != nil {
			return nil, invalidPattern("%s", err.Error())
		}
		pattern.regex = regex
	}
	return pattern, nil
}

// Matches whether a name matches the pattern. The reserved system object is
// only matched by a literal "$system" sub-pattern, never by wildcards.
func (p *Pattern) Matches(name string) bool {
	if name == common.SystemObjectName {
		return p.includesSystem
	}
	if strings.HasPrefix(name, "$") {
		return false
	}
	return p.regex != nil && p.regex.MatchString(name)
}

// String the original pattern string
func (p *Pattern) String() string {
	return p.str
}
