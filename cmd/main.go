// Copyright 2025 Antfly, Inc.
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

// Command glimpse describes short video clips with a local vision-language
// model.
//
// Usage:
//
//	glimpse run                                  # Start the server
//	glimpse pull [model]                         # Download a model from HuggingFace
//	glimpse list                                 # List local models
//	glimpse describe --frames ./frames           # Describe a directory of frames
//	glimpse inspect [model]                      # Show operator inputs and outputs
package main

import (
	"github.com/antflydb/glimpse/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// By default, GoReleaser will set the following 3 ldflags:
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

// main.commit: Current git commit SHA
var commit = "none"

// main.date: Date in the RFC3339 format
var date = "unknown"

func main() {
	cmd.Version = version
	cmd.Commit = commit
	cmd.BuildTime = date
	cmd.Execute()
}
