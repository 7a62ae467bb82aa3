// Copyright 2025 Tom Barlow
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

package shared

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter implements pkg/vm.Prompter with interactive terminal
// prompts, backed by the same survey library aplvm uses elsewhere for
// Confirm-style prompts.
type SurveyPrompter struct{}

// NewSurveyPrompter returns a Prompter backed by survey.
func NewSurveyPrompter() *SurveyPrompter { return &SurveyPrompter{} }

// Confirm asks whether capability should be granted for this run, and
// if so, whether the grant should be remembered for future runs
// against the same program.
func (p *SurveyPrompter) Confirm(capability string) (answer bool, always bool, err error) {
	if err := survey.AskOne(&survey.Confirm{
		Message: fmt.Sprintf("Grant capability %q for this run?", capability),
		Default: false,
	}, &answer); err != nil {
		return false, false, err
	}
	if !answer {
		return false, false, nil
	}
	if err := survey.AskOne(&survey.Confirm{
		Message: "Remember this decision for future runs of this program?",
		Default: false,
	}, &always); err != nil {
		return true, false, err
	}
	return true, always, nil
}
