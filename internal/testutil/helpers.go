package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the FATHOMD_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (netlink, nftables,
// conntrack) are only run in an environment where those are available.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FATHOMD_VM_TEST") == "" {
		t.Skip("Skipping test: requires FATHOMD_VM_TEST environment")
	}
}
