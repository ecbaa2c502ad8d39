//go:build !linux

package agentenv

// InstallProcessGuards is a no-op outside Linux: PR_SET_PDEATHSIG has no
// equivalent on other platforms this module targets.
func InstallProcessGuards() error {
	return nil
}
