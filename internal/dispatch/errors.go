package dispatch

import (
	"fmt"
	"strings"
)

// DenialSentinel prefixes error messages for denial-terminal failures so the
// task runner can distinguish a denied task from a generically failed one.
// The prefix must survive round trips through sandbox exception messages.
const DenialSentinel = "APPROVAL_DENIED:"

// ReasonPolicyDeny is the reason attached to tool.call.denied events when a
// policy, not a reviewer, denied the call.
const ReasonPolicyDeny = "policy_deny"

func approvalDenialError(toolPath, approvalID string) error {
	return fmt.Errorf("%s%s (%s)", DenialSentinel, toolPath, approvalID)
}

func policyDenialError(toolPath string) error {
	return fmt.Errorf("%s%s (%s)", DenialSentinel, toolPath, ReasonPolicyDeny)
}

// IsDenial reports whether an error message carries the denial sentinel,
// including errors re-raised through a sandbox runtime.
func IsDenial(err error) bool {
	return err != nil && strings.Contains(err.Error(), DenialSentinel)
}
