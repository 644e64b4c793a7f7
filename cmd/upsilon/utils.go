// Copyright 2025 Google LLC
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
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// resolveModule opens source, which is a local path, a file:// URL or an
// http(s):// URL.
func resolveModule(source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https":
		resp, err := http.Get(u.String())
		if err != nil {
			return nil, errors.Wrap(err, "http request failed")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, errors.Errorf("unexpected http status: %s", resp.Status)
		}
		return resp.Body, nil
	case "file":
		return os.Open(u.Path)
	default:
		// Fallback to os.Open if we don't have a scheme.
		return os.Open(source)
	}
}

func red(s string) string {
	return color.RedString("%s", s)
}

func green(s string) string {
	return color.GreenString("%s", s)
}
