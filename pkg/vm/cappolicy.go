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

package vm

import (
	"fmt"
	"sync"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/policy"
)

// Prompter asks the operator whether to grant a capability, for the
// interactive path of CapPolicy.Require. Answer reports whether the
// capability is granted at all; always reports whether that grant
// should be persisted to the PolicyStore for future runs.
type Prompter interface {
	Confirm(capability string) (answer bool, always bool, err error)
}

// CapPolicy decides whether a run may exercise a capability, per
// §4.5's four-way check: in-session grant, a PolicyStore persistent
// grant, declaration on the running bytecode, or auto-grant mode.
type CapPolicy struct {
	appID     string
	store     *policy.Store
	autoGrant bool
	prompter  Prompter
	declared  map[string]bool

	mu      sync.Mutex
	session map[string]bool
}

// newCapPolicy builds a CapPolicy for one VM run. store may be nil (no
// persistence); prompter may be nil (non-interactive — a capability
// that isn't otherwise granted fails outright).
func newCapPolicy(appID string, store *policy.Store, autoGrant bool, prompter Prompter, declared []string) *CapPolicy {
	d := make(map[string]bool, len(declared))
	for _, c := range declared {
		d[c] = true
	}
	return &CapPolicy{
		appID:     appID,
		store:     store,
		autoGrant: autoGrant,
		prompter:  prompter,
		declared:  d,
		session:   make(map[string]bool),
	}
}

// Require checks capability against the four-way OR, prompting the
// operator as a last resort. A grant obtained by answering "always" is
// persisted; one obtained by a plain "yes" holds only for this VM
// instance's session map.
func (c *CapPolicy) Require(capability string) error {
	c.mu.Lock()
	if c.session[capability] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.store != nil && c.store.HasPersistentGrant(c.appID, capability) {
		return nil
	}
	if c.declared[capability] {
		c.grantSession(capability)
		return nil
	}
	if c.autoGrant {
		c.grantSession(capability)
		return nil
	}

	if c.prompter == nil {
		return &aplerr.PermissionDeniedError{
			Capability: capability,
			Reason:     "not granted and no interactive prompter is available",
		}
	}
	answer, always, err := c.prompter.Confirm(capability)
	if err != nil {
		return fmt.Errorf("prompt for capability %q: %w", capability, err)
	}
	if !answer {
		return &aplerr.PermissionDeniedError{
			Capability: capability,
			Reason:     "operator declined",
		}
	}
	c.grantSession(capability)
	if always {
		if c.store == nil {
			return fmt.Errorf("capability %q granted \"always\" but no policy store is open to persist it", capability)
		}
		if err := c.store.GrantPersistent(c.appID, capability); err != nil {
			return fmt.Errorf("persist grant for capability %q: %w", capability, err)
		}
	}
	return nil
}

func (c *CapPolicy) grantSession(capability string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session[capability] = true
}
