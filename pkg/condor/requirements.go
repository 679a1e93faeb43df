// Copyright 2026 Google LLC
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

package condor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/sirupsen/logrus"
)

// Resource keys that are passed to the scheduler as resource requests
// instead of becoming part of the requirements expression.
const (
	KeyRequestCPUs      = "request_cpus"
	KeyRequestMemory    = "request_memory"
	KeyRequestDisk      = "request_disk"
	KeyDockerJobTimeout = "docker_job_timeout"
)

var specialKeys = []string{KeyRequestCPUs, KeyRequestDisk, KeyRequestMemory, KeyDockerJobTimeout}

// Anything outside this set is unsafe inside a ClassAd expression.
var unsafeChars = regexp.MustCompile(`[^0-9A-Za-z=_]`)

// ResourceRequest is a compiled "client group + requirements" string.
type ResourceRequest struct {
	ClientGroup  string
	Resources    map[string]string
	Requirements string
}

// Get returns the resource value for key and whether a non-empty value was
// supplied.
func (r ResourceRequest) Get(key string) (string, bool) {
	v, ok := r.Resources[key]
	return v, ok && v != ""
}

// CleanInputs removes every character outside [0-9A-Za-z=_].
func CleanInputs(input string) string {
	return unsafeChars.ReplaceAllString(input, "")
}

func isSpecialKey(key string) bool {
	for _, k := range specialKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ClientGroupsAndRequirements compiles a comma separated string whose first
// element is the client group and whose remaining elements are either
// "Attribute=Value" or a bare "Attribute", e.g.
//
//	ClientGroupA,request_cpus=4,request_memory=2048,color=blue,LowMemory
//
// The special resource keys go into Resources. Everything else becomes a
// term of the requirements expression, which always starts with the client
// group match.
func ClientGroupsAndRequirements(clientGroupsAndRequirements string) ResourceRequest {
	items := strings.Split(clientGroupsAndRequirements, ",")
	clientGroup := CleanInputs(items[0])
	req := ResourceRequest{
		ClientGroup: clientGroup,
		Resources:   map[string]string{},
	}

	terms := []string{fmt.Sprintf("regexp(\"%s\",CLIENTGROUP)", clientGroup)}
	for _, item := range items[1:] {
		input := CleanInputs(item)
		if input == "" {
			continue
		}
		key, value, hasValue := strings.Cut(input, "=")
		if !hasValue {
			terms = append(terms, fmt.Sprintf("(%s)", input))
			continue
		}
		if isSpecialKey(key) {
			// An empty override leaves the default in place.
			if value != "" {
				req.Resources[key] = value
			}
			continue
		}
		warnNearMiss(key)
		terms = append(terms, fmt.Sprintf("(%s == \"%s\")", key, value))
	}
	req.Requirements = "(" + strings.Join(terms, " && ") + ")"
	return req
}

// warnNearMiss flags keys that look like a misspelt resource key, since
// those silently turn into placement requirements no worker satisfies.
func warnNearMiss(key string) {
	for _, special := range specialKeys {
		if d := levenshtein.Distance(key, special, nil); d > 0 && d <= 2 {
			logrus.Warnf("Requirement %q is treated as a ClassAd match; did you mean resource key %q?", key, special)
			return
		}
	}
}

// ClientGroupsToRequirements turns a plain comma separated list of client
// groups into an expression matching any of them.
func ClientGroupsToRequirements(clientGroups string) string {
	var terms []string
	for _, cg := range strings.Split(clientGroups, ",") {
		terms = append(terms, fmt.Sprintf("(CLIENTGROUP == \"%s\")", CleanInputs(cg)))
	}
	return "(" + strings.Join(terms, " || ") + ")"
}
